package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// luaOpenVault atomically marks a vault opened by a winning guess. Only the
// first open succeeds.
//
// KEYS[1] = vault key
// ARGV[1] = winning guess ID
// ARGV[2] = opened-at Unix timestamp in seconds
//
// Returns "OK", "NOT_FOUND", or "OPENED".
const luaOpenVault = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local vault = cjson.decode(data)
if vault.opened_at and tonumber(vault.opened_at) > 0 then
    return 'OPENED'
end

vault.opened_at = tonumber(ARGV[2])
vault.winning_guess_id = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(vault))

return 'OK'
`

// luaSaveGuess atomically saves a vault guess while enforcing both
// uniqueness constraints. The hour key blocks a second guess from the same
// user in the same bucket; the combination key blocks any user from
// re-trying a value. The hour check runs first, matching the error priority
// callers rely on.
//
// KEYS[1] = hour guess key
// KEYS[2] = combination key
// ARGV[1] = guess JSON
// ARGV[2] = guess ID
// ARGV[3] = hour key TTL in seconds
//
// Returns "OK", "HOUR", or "COMBO".
const luaSaveGuess = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'HOUR'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'COMBO'
end

redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[3]))
redis.call('SET', KEYS[2], ARGV[2])

return 'OK'
`

// ============================================================
// VaultStore Implementation
// ============================================================

// SaveVault saves or replaces a vault and indexes it by creation time.
func (s *Store) SaveVault(ctx context.Context, vault *storage.Vault) error {
	if vault == nil || vault.ID == "" {
		return fmt.Errorf("invalid vault")
	}

	data, err := json.Marshal(toVaultJSON(vault))
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.vaultKey(vault.ID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save vault: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Zadd().Key(s.vaultIndexKey()).ScoreMember().
			ScoreMember(float64(vault.CreatedAt.Unix()), vault.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to index vault: %w", err)
	}

	s.logger.Debug("Saved vault", "vault_id", vault.ID)
	return nil
}

// GetVault retrieves a vault by ID.
func (s *Store) GetVault(ctx context.Context, vaultID string) (*storage.Vault, error) {
	return getAndUnmarshal(ctx, s, s.vaultKey(vaultID),
		fmt.Errorf("%w: %s", storage.ErrVaultNotFound, vaultID),
		fromVaultJSON)
}

// LatestVault returns the most recently created vault, opened or not.
func (s *Store) LatestVault(ctx context.Context) (*storage.Vault, error) {
	ids, err := s.client.Do(ctx,
		s.client.B().Zrange().Key(s.vaultIndexKey()).Min("0").Max("0").Rev().Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to query vault index: %w", err)
	}
	if len(ids) == 0 {
		return nil, storage.ErrVaultNotFound
	}
	return s.GetVault(ctx, ids[0])
}

// CurrentVault returns the most recently created vault that is still
// closed, walking the index newest first.
func (s *Store) CurrentVault(ctx context.Context) (*storage.Vault, error) {
	for offset := 0; ; offset += vaultBatchSize {
		ids, err := s.client.Do(ctx,
			s.client.B().Zrange().Key(s.vaultIndexKey()).
				Min(fmt.Sprintf("%d", offset)).
				Max(fmt.Sprintf("%d", offset+vaultBatchSize-1)).
				Rev().Build(),
		).AsStrSlice()
		if err != nil {
			return nil, fmt.Errorf("failed to query vault index: %w", err)
		}
		if len(ids) == 0 {
			return nil, storage.ErrVaultNotFound
		}

		for _, id := range ids {
			vault, err := s.GetVault(ctx, id)
			if err != nil {
				continue
			}
			if !vault.Opened() {
				return vault, nil
			}
		}
	}
}

// OpenVault atomically marks a vault opened by the given winning guess.
func (s *Store) OpenVault(ctx context.Context, vaultID, winningGuessID string, openedAt time.Time) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaOpenVault).
			Numkeys(1).
			Key(s.vaultKey(vaultID)).
			Arg(winningGuessID, fmt.Sprintf("%d", openedAt.Unix())).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return fmt.Errorf("%w: %s", storage.ErrVaultNotFound, vaultID)
	case "OPENED":
		return storage.ErrVaultOpened
	}

	s.logger.Debug("Opened vault", "vault_id", vaultID, "guess_id", winningGuessID)
	return nil
}

// SaveGuess saves a vault guess, enforcing the hourly and combination
// uniqueness constraints atomically.
func (s *Store) SaveGuess(ctx context.Context, guess *storage.VaultGuess) error {
	if guess == nil || guess.ID == "" || guess.VaultID == "" || guess.UserID == "" {
		return fmt.Errorf("invalid vault guess")
	}

	data, err := json.Marshal(toVaultGuessJSON(guess))
	if err != nil {
		return fmt.Errorf("failed to marshal vault guess: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveGuess).
			Numkeys(2).
			Key(
				s.guessKey(guess.VaultID, guess.UserID, guess.Hour),
				s.comboKey(guess.VaultID, guess.Combination),
			).
			Arg(string(data), guess.ID, fmt.Sprintf("%d", int64(guessRetention.Seconds()))).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save vault guess: %w", err)
	}

	switch result {
	case "HOUR":
		return storage.ErrDuplicateHourGuess
	case "COMBO":
		return storage.ErrDuplicateCombination
	}

	s.logger.Debug("Saved vault guess",
		"vault_id", guess.VaultID,
		"guess_id", guess.ID,
		"hour", guess.Hour)
	return nil
}

// GetGuess retrieves a user's guess for a vault within an hour bucket.
func (s *Store) GetGuess(ctx context.Context, vaultID, userID, hour string) (*storage.VaultGuess, error) {
	return getAndUnmarshal(ctx, s, s.guessKey(vaultID, userID, hour),
		storage.ErrGuessNotFound,
		fromVaultGuessJSON)
}
