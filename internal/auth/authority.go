// ABOUTME: Token Authority issuing, verifying and revoking service bearer tokens
// ABOUTME: Stores only the SHA-256 of each secret; usage counters update in the background

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/airrange-io/spreadapi-gateway/internal/async"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
	"github.com/airrange-io/spreadapi-gateway/internal/store"
)

// TokenPrefix marks every secret issued by the Authority.
const TokenPrefix = "spapi_live_"

const secretBytes = 32

// Token is the stored view of an issued token. It never carries the secret.
type Token struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ServiceIDs  []string   `json:"serviceIds"`
	Created     time.Time  `json:"createdAt"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	Requests    int64      `json:"requests"`
	Active      bool       `json:"active"`
}

// Principal is the identity behind a verified token.
type Principal struct {
	TokenID    string   `json:"tokenId"`
	UserID     string   `json:"userId"`
	ServiceIDs []string `json:"serviceIds"`
}

// Allows reports whether the token's scope covers serviceID. An empty scope
// covers every service; callers still check ownership.
func (p *Principal) Allows(serviceID string) bool {
	return len(p.ServiceIDs) == 0 || slices.Contains(p.ServiceIDs, serviceID)
}

// TokenID returns the storage id for a secret.
func TokenID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func tokenKey(id string) string { return "token:" + id }

func userTokensKey(uid string) string { return "user:" + uid + ":tokens" }

// Authority manages service tokens in the KV store.
type Authority struct {
	store  store.Store
	pool   *async.Pool
	logger *slog.Logger
	now    func() time.Time
	rand   io.Reader
}

// NewAuthority creates an Authority. Usage counters are updated on pool; a
// nil pool updates them inline.
func NewAuthority(s store.Store, pool *async.Pool, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		store:  s,
		pool:   pool,
		logger: logger.With("component", "tokens"),
		now:    time.Now,
		rand:   rand.Reader,
	}
}

// Create issues a token. The returned secret is not recoverable afterwards.
func (a *Authority) Create(ctx context.Context, userID, name, description string, serviceIDs []string) (string, *Token, error) {
	verr := &service.ValidationError{}
	if userID == "" {
		verr.Add("userId", "is required")
	}
	if strings.TrimSpace(name) == "" {
		verr.Add("name", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return "", nil, err
	}

	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(a.rand, buf); err != nil {
		return "", nil, fmt.Errorf("generating token secret: %w", err)
	}
	secret := TokenPrefix + base64.RawURLEncoding.EncodeToString(buf)

	if serviceIDs == nil {
		serviceIDs = []string{}
	}
	tok := &Token{
		ID:          TokenID(secret),
		UserID:      userID,
		Name:        strings.TrimSpace(name),
		Description: description,
		ServiceIDs:  slices.Clone(serviceIDs),
		Created:     a.now().UTC(),
		Active:      true,
	}

	scope, err := json.Marshal(tok.ServiceIDs)
	if err != nil {
		return "", nil, fmt.Errorf("encoding token scope: %w", err)
	}

	err = a.store.Batch(ctx, func(tx store.Tx) {
		tx.HSet(tokenKey(tok.ID), map[string]string{
			"userId":      tok.UserID,
			"name":        tok.Name,
			"description": tok.Description,
			"serviceIds":  string(scope),
			"created":     tok.Created.Format(time.RFC3339Nano),
			"requests":    "0",
			"active":      "true",
		})
		tx.SAdd(userTokensKey(userID), tok.ID)
	})
	if err != nil {
		return "", nil, fmt.Errorf("storing token: %w", service.Upstream(err))
	}

	a.logger.Info("token created", "user_id", userID, "token_id", tok.ID[:12], "scoped_services", len(serviceIDs))
	return secret, tok, nil
}

// Verify resolves a secret to its Principal. Unknown and inactive tokens are
// reported as not found.
func (a *Authority) Verify(ctx context.Context, secret string) (*Principal, error) {
	if !strings.HasPrefix(secret, TokenPrefix) {
		return nil, fmt.Errorf("token: %w", service.ErrNotFound)
	}

	id := TokenID(secret)
	tok, err := a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tok.Active {
		return nil, fmt.Errorf("token inactive: %w", service.ErrNotFound)
	}

	a.recordUse(id)
	return &Principal{TokenID: id, UserID: tok.UserID, ServiceIDs: tok.ServiceIDs}, nil
}

func (a *Authority) recordUse(id string) {
	task := func(ctx context.Context) error {
		// Skip tokens revoked since verification so the counter does not recreate them
		exists, err := a.store.Exists(ctx, tokenKey(id))
		if err != nil || !exists {
			return err
		}
		if _, err := a.store.HIncrBy(ctx, tokenKey(id), "requests", 1); err != nil {
			return err
		}
		err = a.store.HSet(ctx, tokenKey(id), map[string]string{
			"lastUsed": a.now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}

		// A revoke between the check and the writes leaves a hash without
		// userId behind
		_, err = a.store.HGet(ctx, tokenKey(id), "userId")
		if errors.Is(err, store.ErrNotFound) {
			return a.store.Del(ctx, tokenKey(id))
		}
		return err
	}

	if a.pool == nil {
		if err := task(context.Background()); err != nil {
			a.logger.Warn("recording token usage failed", "error", err)
		}
		return
	}
	a.pool.Submit("token usage", task)
}

// Revoke deletes a token given either its secret or its id.
func (a *Authority) Revoke(ctx context.Context, userID, tokenOrID string) error {
	id := tokenOrID
	if strings.HasPrefix(tokenOrID, TokenPrefix) {
		id = TokenID(tokenOrID)
	}

	tok, err := a.get(ctx, id)
	if err != nil {
		return err
	}
	if tok.UserID != userID {
		return fmt.Errorf("token belongs to another user: %w", service.ErrForbidden)
	}

	err = a.store.Batch(ctx, func(tx store.Tx) {
		tx.Del(tokenKey(id))
		tx.SRem(userTokensKey(userID), id)
	})
	if err != nil {
		return fmt.Errorf("revoking token: %w", service.Upstream(err))
	}

	a.logger.Info("token revoked", "user_id", userID, "token_id", id[:min(12, len(id))])
	return nil
}

// List returns the user's tokens, newest first.
func (a *Authority) List(ctx context.Context, userID string) ([]*Token, error) {
	ids, err := a.store.SMembers(ctx, userTokensKey(userID))
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", service.Upstream(err))
	}

	tokens := make([]*Token, 0, len(ids))
	for _, id := range ids {
		tok, err := a.get(ctx, id)
		if errors.Is(err, service.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tok.UserID != userID {
			continue
		}
		tokens = append(tokens, tok)
	}

	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].Created.After(tokens[j].Created)
	})
	return tokens, nil
}

func (a *Authority) get(ctx context.Context, id string) (*Token, error) {
	h, err := a.store.HGetAll(ctx, tokenKey(id))
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", service.Upstream(err))
	}
	if len(h) == 0 || h["userId"] == "" {
		return nil, fmt.Errorf("token: %w", service.ErrNotFound)
	}
	return tokenFromHash(id, h)
}

func tokenFromHash(id string, h map[string]string) (*Token, error) {
	tok := &Token{
		ID:          id,
		UserID:      h["userId"],
		Name:        h["name"],
		Description: h["description"],
		ServiceIDs:  []string{},
		Active:      h["active"] == "true",
	}

	if raw := h["serviceIds"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &tok.ServiceIDs); err != nil {
			return nil, fmt.Errorf("decoding token %s scope: %w", id, err)
		}
	}
	if raw := h["created"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("decoding token %s created: %w", id, err)
		}
		tok.Created = t
	}
	if raw := h["lastUsed"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			tok.LastUsed = &t
		}
	}
	if raw := h["requests"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding token %s requests: %w", id, err)
		}
		tok.Requests = n
	}
	return tok, nil
}
