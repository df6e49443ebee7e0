package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/chipgpt/mcp-server/internal/instrumentation"
	"github.com/chipgpt/mcp-server/internal/oauth"
	"github.com/chipgpt/mcp-server/internal/security"
	"github.com/chipgpt/mcp-server/internal/sessioncache"
	"github.com/chipgpt/mcp-server/internal/storage"
	"github.com/chipgpt/mcp-server/internal/vault"
)

// Logical services multiplexed over the MCP transport.
const (
	ServiceProfile = "profile"
	ServiceVault   = "vault"
)

// SessionHeader is the HTTP header carrying the MCP session identifier.
const SessionHeader = "Mcp-Session-Id"

// serverName and serverVersion identify this MCP server to clients during
// initialization.
const (
	serverName    = "chipgpt-mcp"
	serverVersion = "1.0.0"
)

// Registry builds per-session tool and resource registries. Each session
// gets its own MCP server instance with the caller's auth info captured in
// the tool handlers.
type Registry struct {
	Users      storage.UserStore
	Vault      *vault.Service
	WebsiteURL string
	Logger     *slog.Logger
}

// buildServer creates an MCP server for one session, registering the tool
// set of the requested logical service.
func (reg *Registry) buildServer(service string, auth *oauth.AuthInfo) *server.MCPServer {
	srv := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	switch service {
	case ServiceVault:
		reg.registerVaultResources(srv)
		reg.registerVaultTools(srv, auth)
	default:
		reg.registerProfileResources(srv)
		reg.registerProfileTools(srv, auth)
	}

	return srv
}

// Manager owns the MCP session lifecycle: it mints sessions, keeps the
// in-process transport table, records durable session state in the shared
// cache so another instance (or this one after a restart) can resume a
// session, and tears sessions down on DELETE.
type Manager struct {
	registry *Registry
	cache    sessioncache.Cache
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	logger   *slog.Logger

	sessionTTL time.Duration

	mu         sync.RWMutex
	transports map[string]*transportEntry
}

// transportEntry is one live session's transport bound to its MCP server.
type transportEntry struct {
	handler *server.StreamableHTTPServer
	session *sessioncache.Session
}

// NewManager creates a session manager.
func NewManager(registry *Registry, cache sessioncache.Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:   registry,
		cache:      cache,
		logger:     logger,
		sessionTTL: sessioncache.DefaultTTL,
		transports: make(map[string]*transportEntry),
	}
}

// SetAuditor sets the security auditor.
func (m *Manager) SetAuditor(aud *security.Auditor) {
	m.auditor = aud
}

// SetMetrics sets the metrics holder. A nil holder disables recording.
func (m *Manager) SetMetrics(met *instrumentation.Metrics) {
	m.metrics = met
}

// SetSessionTTL overrides the sliding expiry applied to durable session
// records.
func (m *Manager) SetSessionTTL(ttl time.Duration) {
	if ttl > 0 {
		m.sessionTTL = ttl
	}
}

// Handle dispatches one MCP HTTP request for the given logical service on
// behalf of the authenticated caller.
//
// No session header: the body must be an initialization message (the
// transport rejects anything else), so a fresh session is minted. With a
// session header the durable record is checked first — keyed by session ID
// plus the caller's user ID, so a session can never be continued with a
// different user's token — and the transport is rebuilt when this process
// does not hold it.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request, service string, auth *oauth.AuthInfo) {
	sessionID := r.Header.Get(SessionHeader)

	if sessionID == "" {
		entry := m.createSession(service, auth)
		entry.handler.ServeHTTP(w, r)
		return
	}

	record, err := m.cache.Get(r.Context(), sessionID, auth.UserID)
	if err != nil {
		// The durable record is gone (expired or terminated elsewhere), so
		// any transport this process still holds for the ID is stale.
		m.DropTransport(sessionID)
		m.logger.Warn("Rejected unknown MCP session",
			"session_id", sessionID,
			"service", service)
		oauth.WriteBearerChallenge(w, m.registry.WebsiteURL)
		return
	}

	// Sliding expiry: each authenticated touch keeps the session alive.
	if err := m.cache.Put(r.Context(), record, m.sessionTTL); err != nil {
		m.logger.Warn("Failed to refresh session TTL", "error", err)
	}

	entry := m.lookupOrResume(record, service, auth)
	entry.handler.ServeHTTP(w, r)
}

// createSession mints a new session and builds its transport. The transport
// is not registered yet: a header-less request whose body is not an
// initialization message is rejected by the transport, and a session that
// never initialized must not linger in the transport table. Registration
// happens from the transport's Generate callback once initialization
// succeeds.
func (m *Manager) createSession(service string, auth *oauth.AuthInfo) *transportEntry {
	session := &sessioncache.Session{
		ID:        uuid.NewString(),
		UserID:    auth.UserID,
		Service:   service,
		Scope:     auth.Scope,
		ClientID:  auth.ClientID,
		CreatedAt: time.Now(),
	}

	return m.buildTransport(session, auth)
}

// lookupOrResume returns the live transport for a session, rebuilding it
// from the durable record when this process does not hold one.
func (m *Manager) lookupOrResume(record *sessioncache.Session, service string, auth *oauth.AuthInfo) *transportEntry {
	m.mu.RLock()
	entry, ok := m.transports[record.ID]
	m.mu.RUnlock()
	if ok {
		return entry
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.transports[record.ID]; ok {
		return entry
	}

	entry = m.buildTransport(record, auth)
	m.transports[record.ID] = entry

	m.auditor.LogSessionEvent("session_resumed", auth.UserID, record.ID)
	m.metrics.RecordSessionResumed(context.Background(), record.Service)
	m.logger.Info("Resumed MCP session",
		"session_id", record.ID,
		"service", service)

	return entry
}

// buildTransport binds a fresh MCP server and streamable HTTP transport to a
// session. The transport's session IDs are pinned to the session record, so
// initialization hands out our identifier and termination flows back into
// the manager.
func (m *Manager) buildTransport(session *sessioncache.Session, auth *oauth.AuthInfo) *transportEntry {
	mcpServer := m.registry.buildServer(session.Service, auth)

	entry := &transportEntry{session: session}
	entry.handler = server.NewStreamableHTTPServer(
		mcpServer,
		server.WithSessionIdManager(&pinnedSessionID{
			id:         session.ID,
			userID:     session.UserID,
			onGenerate: func() { m.activateSession(entry) },
			onTerminate: func(sessionID, userID string) {
				m.teardownSession(sessionID, userID, session.Service)
			},
		}),
	)

	return entry
}

// activateSession registers a transport whose session just initialized and
// writes the durable record. Resumed transports only ever serve requests
// that carry the session header, so this fires once per session.
func (m *Manager) activateSession(entry *transportEntry) {
	session := entry.session

	m.mu.Lock()
	m.transports[session.ID] = entry
	m.mu.Unlock()

	ctx, cancel := sessioncache.WriteContext()
	defer cancel()
	if err := m.cache.Put(ctx, session, m.sessionTTL); err != nil {
		m.logger.Error("Failed to persist session", "error", err, "session_id", session.ID)
	}

	m.auditor.LogSessionEvent("session_created", session.UserID, session.ID)
	m.metrics.RecordSessionCreated(context.Background(), session.Service)
	m.logger.Info("Created MCP session",
		"session_id", session.ID,
		"service", session.Service)
}

// teardownSession removes a session everywhere: the in-process transport
// table and the durable record. Only explicit termination (or TTL expiry)
// deletes the durable record; a transport merely closing keeps the session
// resumable.
func (m *Manager) teardownSession(sessionID, userID, service string) {
	m.mu.Lock()
	delete(m.transports, sessionID)
	m.mu.Unlock()

	ctx, cancel := sessioncache.WriteContext()
	defer cancel()

	if err := m.cache.Delete(ctx, sessionID, userID); err != nil {
		m.logger.Warn("Failed to delete session record", "error", err, "session_id", sessionID)
	}

	m.auditor.LogSessionEvent("session_terminated", userID, sessionID)
	m.metrics.RecordSessionTerminated(context.Background(), service)
	m.logger.Info("Terminated MCP session", "session_id", sessionID)
}

// DropTransport removes a session's in-process transport without touching
// the durable record, leaving the session resumable.
func (m *Manager) DropTransport(sessionID string) {
	m.mu.Lock()
	delete(m.transports, sessionID)
	m.mu.Unlock()
}

// SessionCount returns the number of live in-process transports.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transports)
}

// pinnedSessionID is a SessionIdManager bound to one predetermined session.
// Generate hands out the pinned ID exactly once per transport; Validate
// accepts only that ID, which keeps a transport from ever serving another
// session.
type pinnedSessionID struct {
	id          string
	userID      string
	onGenerate  func()
	onTerminate func(sessionID, userID string)
}

func (p *pinnedSessionID) Generate() string {
	if p.onGenerate != nil {
		p.onGenerate()
	}
	return p.id
}

func (p *pinnedSessionID) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID != p.id {
		return false, fmt.Errorf("invalid session ID")
	}
	return false, nil
}

func (p *pinnedSessionID) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if sessionID != p.id {
		return false, fmt.Errorf("invalid session ID")
	}
	if p.onTerminate != nil {
		p.onTerminate(p.id, p.userID)
	}
	return false, nil
}
