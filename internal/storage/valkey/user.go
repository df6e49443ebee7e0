package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// luaSaveUser atomically saves a user while enforcing email uniqueness. The
// email index maps each address to its owning user ID; a save that would
// steal another user's address fails, and changing a user's address releases
// the old one.
//
// KEYS[1] = user key
// ARGV[1] = user JSON
// ARGV[2] = user ID
// ARGV[3] = email ("" when unset)
// ARGV[4] = key prefix (email index keys are derived from stored state)
//
// Returns "OK" or "DUPLICATE_EMAIL".
const luaSaveUser = `
if ARGV[3] ~= '' then
    local owner = redis.call('GET', ARGV[4] .. 'user:email:' .. ARGV[3])
    if owner and owner ~= ARGV[2] then
        return 'DUPLICATE_EMAIL'
    end
end

local existing = redis.call('GET', KEYS[1])
if existing then
    local old = cjson.decode(existing)
    if old.email and old.email ~= '' and old.email ~= ARGV[3] then
        redis.call('DEL', ARGV[4] .. 'user:email:' .. old.email)
    end
end

redis.call('SET', KEYS[1], ARGV[1])
if ARGV[3] ~= '' then
    redis.call('SET', ARGV[4] .. 'user:email:' .. ARGV[3], ARGV[2])
end

return 'OK'
`

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser saves or replaces a user record, enforcing email uniqueness.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	data, err := json.Marshal(toUserJSON(user))
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveUser).
			Numkeys(1).
			Key(s.userKey(user.ID)).
			Arg(string(data), user.ID, user.Email, s.prefix).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	if result == "DUPLICATE_EMAIL" {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateEmail, user.Email)
	}

	s.logger.Debug("Saved user", "user_id", user.ID)
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return getAndUnmarshal(ctx, s, s.userKey(userID),
		fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID),
		fromUserJSON)
}
