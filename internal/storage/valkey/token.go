package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chipgpt/mcp-server/internal/storage"
)

// luaReplaceAccessToken atomically swaps the access token of the pair
// identified by a refresh token. The old access token key is deleted and
// the new one written in the same step, so concurrent refreshes can never
// leave two live access tokens for one pair. The refresh token string and
// its expiry are preserved.
//
// KEYS[1] = refresh lookup key (refresh token -> access token)
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = new access token
// ARGV[3] = new access expiry, Unix seconds
// ARGV[4] = key prefix (access keys are derived from stored state)
//
// Returns the updated pair JSON, or "NOT_FOUND" / "EXPIRED".
const luaReplaceAccessToken = `
local access = redis.call('GET', KEYS[1])
if not access then
    return 'NOT_FOUND'
end

local accessKey = ARGV[4] .. 'token:access:' .. access
local data = redis.call('GET', accessKey)
if not data then
    return 'NOT_FOUND'
end

local pair = cjson.decode(data)

local now = tonumber(ARGV[1])
local refreshExpiresAt = tonumber(pair.refresh_expires_at)
if refreshExpiresAt and now > refreshExpiresAt then
    return 'EXPIRED'
end

pair.access_token = ARGV[2]
pair.access_expires_at = tonumber(ARGV[3])

local ttl = redis.call('TTL', accessKey)
redis.call('DEL', accessKey)

local encoded = cjson.encode(pair)
local newKey = ARGV[4] .. 'token:access:' .. ARGV[2]
if ttl > 0 then
    redis.call('SET', newKey, encoded, 'EX', ttl)
else
    redis.call('SET', newKey, encoded)
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')

return encoded
`

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken saves a token pair. Both keys live until the refresh token
// expires; access token expiry is checked on read.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := calculateTTL(token.RefreshExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.accessKey(token.AccessToken)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	if token.RefreshToken != "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.refreshKey(token.RefreshToken)).Value(token.AccessToken).Ex(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save refresh token lookup: %w", err)
		}
	}

	s.logger.Debug("Saved token pair",
		"client_id", token.ClientID,
		"token_prefix", safeTruncate(token.AccessToken, tokenIDLogLength))
	return nil
}

// GetByAccessToken retrieves a token pair by its access token.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	token, err := getAndUnmarshal(ctx, s, s.accessKey(accessToken),
		storage.ErrTokenNotFound, fromTokenJSON)
	if err != nil {
		return nil, err
	}
	if !token.AccessTokenValid(time.Now()) {
		return nil, fmt.Errorf("%w: access token expired", storage.ErrTokenExpired)
	}
	return token, nil
}

// GetByRefreshToken retrieves a token pair by its refresh token.
func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	access, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.refreshKey(refreshToken)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: refresh token not found", storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh token lookup: %w", err)
	}

	token, err := getAndUnmarshal(ctx, s, s.accessKey(access),
		fmt.Errorf("%w: refresh token not found", storage.ErrTokenNotFound), fromTokenJSON)
	if err != nil {
		return nil, err
	}
	if !token.RefreshTokenValid(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}
	return token, nil
}

// ReplaceAccessToken atomically swaps the access token of the pair holding
// the given refresh token.
func (s *Store) ReplaceAccessToken(ctx context.Context, refreshToken, newAccessToken string, expiresAt time.Time) (*storage.Token, error) {
	if newAccessToken == "" {
		return nil, fmt.Errorf("new access token cannot be empty")
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReplaceAccessToken).
			Numkeys(1).
			Key(s.refreshKey(refreshToken)).
			Arg(
				fmt.Sprintf("%d", time.Now().Unix()),
				newAccessToken,
				fmt.Sprintf("%d", expiresAt.Unix()),
				s.prefix,
			).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to replace access token: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: refresh token not found", storage.ErrTokenNotFound)
	case "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse token pair: %w", err)
	}

	s.logger.Debug("Replaced access token",
		"client_id", j.ClientID,
		"token_prefix", safeTruncate(newAccessToken, tokenIDLogLength))

	return fromTokenJSON(&j), nil
}

// DeleteByAccessToken removes the pair holding the given access token.
func (s *Store) DeleteByAccessToken(ctx context.Context, accessToken string) error {
	token, err := getAndUnmarshal(ctx, s, s.accessKey(accessToken),
		storage.ErrTokenNotFound, fromTokenJSON)
	if err != nil {
		return err
	}

	keys := []string{s.accessKey(accessToken)}
	if token.RefreshToken != "" {
		keys = append(keys, s.refreshKey(token.RefreshToken))
	}
	if err := s.client.Do(ctx,
		s.client.B().Del().Key(keys...).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to delete token pair: %w", err)
	}
	return nil
}

// DeleteByRefreshToken removes the pair holding the given refresh token.
func (s *Store) DeleteByRefreshToken(ctx context.Context, refreshToken string) error {
	access, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.refreshKey(refreshToken)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrTokenNotFound
		}
		return fmt.Errorf("failed to get refresh token lookup: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Del().Key(s.refreshKey(refreshToken), s.accessKey(access)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to delete token pair: %w", err)
	}
	return nil
}
