package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound covers unknown, expired and already-consumed tokens
// alike; callers cannot distinguish them and must not retry.
var ErrTokenNotFound = errors.New("upload token not found or expired")

// UploadClaims is the metadata bound to a presigned upload token.
type UploadClaims struct {
	FileName       string    `json:"fileName"`
	FileType       string    `json:"fileType"`
	ConversationID int64     `json:"conversationId"`
	UserID         *int64    `json:"userId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// TokenStore issues single-use upload tokens. A successful Consume removes
// the token; a second Consume fails.
type TokenStore interface {
	Create(ctx context.Context, claims UploadClaims, ttl time.Duration) (string, error)
	Consume(ctx context.Context, token string) (UploadClaims, error)
}

// RedisTokens keeps tokens in Redis so any instance can consume them.
type RedisTokens struct {
	rdb *redis.Client
}

func NewRedisTokens(rdb *redis.Client) *RedisTokens {
	return &RedisTokens{rdb: rdb}
}

func (t *RedisTokens) Create(ctx context.Context, claims UploadClaims, ttl time.Duration) (string, error) {
	token := ulid.Make().String()
	claims.ExpiresAt = time.Now().Add(ttl)

	data, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	ok, err := t.rdb.SetNX(ctx, tokenKey(token), data, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	if !ok {
		return "", errors.New("token collision")
	}
	return token, nil
}

// Consume removes and returns the claims atomically, so a token can only
// ever authorize one upload.
func (t *RedisTokens) Consume(ctx context.Context, token string) (UploadClaims, error) {
	data, err := t.rdb.GetDel(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return UploadClaims{}, ErrTokenNotFound
	}
	if err != nil {
		return UploadClaims{}, fmt.Errorf("failed to consume token: %w", err)
	}

	var claims UploadClaims
	if err := json.Unmarshal([]byte(data), &claims); err != nil {
		return UploadClaims{}, fmt.Errorf("failed to decode claims: %w", err)
	}
	if time.Now().After(claims.ExpiresAt) {
		return UploadClaims{}, ErrTokenNotFound
	}
	return claims, nil
}

func tokenKey(token string) string {
	return "upload:" + token
}

// MemoryTokens is the in-process fallback store.
type MemoryTokens struct {
	mu     sync.Mutex
	tokens map[string]UploadClaims
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{tokens: make(map[string]UploadClaims)}
}

func (t *MemoryTokens) Create(ctx context.Context, claims UploadClaims, ttl time.Duration) (string, error) {
	token := ulid.Make().String()
	claims.ExpiresAt = time.Now().Add(ttl)

	t.mu.Lock()
	t.tokens[token] = claims
	t.mu.Unlock()
	return token, nil
}

func (t *MemoryTokens) Consume(ctx context.Context, token string) (UploadClaims, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	claims, ok := t.tokens[token]
	if !ok {
		return UploadClaims{}, ErrTokenNotFound
	}
	delete(t.tokens, token)

	if time.Now().After(claims.ExpiresAt) {
		return UploadClaims{}, ErrTokenNotFound
	}
	return claims, nil
}
