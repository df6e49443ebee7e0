package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the server. A nil *Metrics is
// valid and records nothing, so callers do not need to guard every call.
type Metrics struct {
	// OAuth flow metrics
	CodeExchanged    metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	TokenRevoked     metric.Int64Counter
	ClientRegistered metric.Int64Counter

	// Security metrics
	RateLimitExceeded metric.Int64Counter
	CodeReuseDetected metric.Int64Counter

	// MCP session metrics
	SessionsCreated    metric.Int64Counter
	SessionsResumed    metric.Int64Counter
	SessionsTerminated metric.Int64Counter

	// Vault game metrics
	VaultGuesses metric.Int64Counter
	VaultOpened  metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	oauthMeter := inst.Meter("oauth")
	securityMeter := inst.Meter("security")
	mcpMeter := inst.Meter("mcp")
	vaultMeter := inst.Meter("vault")

	var err error
	m.CodeExchanged, err = oauthMeter.Int64Counter(
		"oauth.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRefreshed, err = oauthMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Number of tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = oauthMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.ClientRegistered, err = oauthMeter.Int64Counter(
		"oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"security.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"security.code.reuse_detected",
		metric.WithDescription("Number of authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	m.SessionsCreated, err = mcpMeter.Int64Counter(
		"mcp.sessions.created",
		metric.WithDescription("Number of MCP sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.created counter: %w", err)
	}

	m.SessionsResumed, err = mcpMeter.Int64Counter(
		"mcp.sessions.resumed",
		metric.WithDescription("Number of MCP sessions resumed from the session cache"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.resumed counter: %w", err)
	}

	m.SessionsTerminated, err = mcpMeter.Int64Counter(
		"mcp.sessions.terminated",
		metric.WithDescription("Number of MCP sessions terminated"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.terminated counter: %w", err)
	}

	m.VaultGuesses, err = vaultMeter.Int64Counter(
		"vault.guesses.total",
		metric.WithDescription("Number of vault combinations submitted"),
		metric.WithUnit("{guess}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault.guesses.total counter: %w", err)
	}

	m.VaultOpened, err = vaultMeter.Int64Counter(
		"vault.opened.total",
		metric.WithDescription("Number of vaults opened by a winning guess"),
		metric.WithUnit("{vault}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault.opened.total counter: %w", err)
	}

	return m, nil
}

// RecordCodeExchange records an authorization code exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRefresh records a token refresh operation.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevocation records a token revocation.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordClientRegistration records a client registration.
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordCodeReuse records an authorization code reuse attempt.
func (m *Metrics) RecordCodeReuse(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordSessionCreated records a new MCP session.
func (m *Metrics) RecordSessionCreated(ctx context.Context, service string) {
	if m == nil {
		return
	}
	m.SessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
	))
}

// RecordSessionResumed records an MCP session revived from the cache.
func (m *Metrics) RecordSessionResumed(ctx context.Context, service string) {
	if m == nil {
		return
	}
	m.SessionsResumed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
	))
}

// RecordSessionTerminated records an MCP session termination.
func (m *Metrics) RecordSessionTerminated(ctx context.Context, service string) {
	if m == nil {
		return
	}
	m.SessionsTerminated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
	))
}

// RecordVaultGuess records a submitted vault combination.
func (m *Metrics) RecordVaultGuess(ctx context.Context, opened bool) {
	if m == nil {
		return
	}
	m.VaultGuesses.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("opened", opened),
	))
	if opened {
		m.VaultOpened.Add(ctx, 1)
	}
}
