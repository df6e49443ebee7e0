// Package vault implements the vault guessing game: users submit
// combinations against the currently open vault, limited to one guess per
// hour, and the first correct combination opens the vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chipgpt/mcp-server/internal/instrumentation"
	"github.com/chipgpt/mcp-server/internal/security"
	"github.com/chipgpt/mcp-server/internal/storage"
)

// ErrNoOpenVault is returned when no vault is currently accepting guesses.
var ErrNoOpenVault = errors.New("no open vault")

// ErrDuplicateCombination is returned when the submitted combination has
// already been tried against the vault by any user. It never reveals who.
var ErrDuplicateCombination = errors.New("combination already submitted")

// HourLimitError is returned when a user already guessed within the current
// hour bucket. RetryAt is the start of the next hour, when the user may
// guess again.
type HourLimitError struct {
	RetryAt time.Time
}

func (e *HourLimitError) Error() string {
	return fmt.Sprintf("already guessed this hour, retry at %s", e.RetryAt.Format(time.RFC3339))
}

// View is the player-facing state of a vault. The combination is withheld.
type View struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Min      int        `json:"min"`
	Max      int        `json:"max"`
	Value    int        `json:"value"`
	OpenedAt *time.Time `json:"openedAt"`

	// Guessed reports whether the requesting user has already submitted a
	// guess this hour.
	Guessed bool `json:"guessed"`
}

// Service implements the vault game rules over the vault repository.
type Service struct {
	store   storage.VaultStore
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates a vault game service.
func NewService(store storage.VaultStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetAuditor sets the security auditor.
func (s *Service) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// SetMetrics sets the metrics holder. A nil holder disables recording.
func (s *Service) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// GetVault returns the latest vault with the requesting user's hourly guess
// state. Opened vaults are still shown so winners and spectators see the
// outcome.
func (s *Service) GetVault(ctx context.Context, userID string) (*View, error) {
	vault, err := s.store.LatestVault(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrVaultNotFound) {
			return nil, ErrNoOpenVault
		}
		return nil, fmt.Errorf("failed to load vault: %w", err)
	}

	guessed := false
	if userID != "" {
		_, err := s.store.GetGuess(ctx, vault.ID, userID, storage.HourBucket(s.now()))
		switch {
		case err == nil:
			guessed = true
		case errors.Is(err, storage.ErrGuessNotFound):
		default:
			return nil, fmt.Errorf("failed to load guess: %w", err)
		}
	}

	return &View{
		ID:       vault.ID,
		Name:     vault.Name,
		Min:      vault.Min,
		Max:      vault.Max,
		Value:    vault.Value,
		OpenedAt: vault.OpenedAt,
		Guessed:  guessed,
	}, nil
}

// SubmitGuess submits a combination against the currently open vault and
// reports whether it opened the vault. The storage layer enforces both
// uniqueness rules; persisting the guess row is what arbitrates concurrent
// submissions, so two calls with the same combination can never both win.
func (s *Service) SubmitGuess(ctx context.Context, userID, combination string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user is required")
	}

	vault, err := s.store.CurrentVault(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrVaultNotFound) {
			return false, ErrNoOpenVault
		}
		return false, fmt.Errorf("failed to load vault: %w", err)
	}

	now := s.now()
	guess := &storage.VaultGuess{
		ID:          uuid.NewString(),
		VaultID:     vault.ID,
		UserID:      userID,
		Combination: combination,
		Hour:        storage.HourBucket(now),
		CreatedAt:   now,
	}

	if err := s.store.SaveGuess(ctx, guess); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateHourGuess):
			return false, &HourLimitError{RetryAt: storage.NextHourStart(now)}
		case errors.Is(err, storage.ErrDuplicateCombination):
			return false, ErrDuplicateCombination
		default:
			return false, fmt.Errorf("failed to save guess: %w", err)
		}
	}

	if guess.Combination != vault.Combination {
		s.metrics.RecordVaultGuess(ctx, false)
		s.logger.Debug("Vault guess missed",
			"vault_id", vault.ID,
			"guess_id", guess.ID)
		return false, nil
	}

	if err := s.store.OpenVault(ctx, vault.ID, guess.ID, now); err != nil {
		// Combination uniqueness means only one guess can ever hold the
		// winning value, so an open conflict here is a real fault.
		return false, fmt.Errorf("failed to open vault: %w", err)
	}

	s.auditor.LogVaultOpened(userID, vault.ID, guess.ID)
	s.metrics.RecordVaultGuess(ctx, true)
	s.logger.Info("Vault opened",
		"vault_id", vault.ID,
		"guess_id", guess.ID)

	return true, nil
}
