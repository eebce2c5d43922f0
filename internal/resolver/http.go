package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// maxBodySize caps how much of a lookup response is read
const maxBodySize = 64 << 10

// remoteProfile is the profile object returned by the identity service
type remoteProfile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HTTPClient resolves identities against a remote lookup service. Each call
// makes at most one outbound request, gated by a shared rate limiter.
type HTTPClient struct {
	nameURL    string
	profileURL string
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPClient creates a new identity service client
func NewHTTPClient(cfg *config.ResolverConfig, logger *slog.Logger) *HTTPClient {
	return NewHTTPClientWithHTTP(cfg, &http.Client{Timeout: cfg.Timeout}, logger)
}

// NewHTTPClientWithHTTP creates a client around an existing *http.Client
func NewHTTPClientWithHTTP(cfg *config.ResolverConfig, client *http.Client, logger *slog.Logger) *HTTPClient {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		nameURL:    cfg.NameURL,
		profileURL: cfg.ProfileURL,
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// ResolveUUID looks up the unique id currently owning name
func (c *HTTPClient) ResolveUUID(ctx context.Context, name string) (uuid.UUID, bool, error) {
	if name == "" {
		return uuid.Nil, false, nil
	}
	// The name endpoint answers 400 for names that cannot exist
	profile, found, err := c.query(ctx, c.nameURL+url.PathEscape(name), http.StatusBadRequest)
	if err != nil || !found {
		return uuid.Nil, found, err
	}

	id, err := uuid.Parse(profile.ID)
	if err != nil {
		return uuid.Nil, false, domain.Transient("resolving uuid", fmt.Errorf("malformed id %q: %w", profile.ID, err))
	}
	return id, true, nil
}

// ResolveName looks up the current name for id
func (c *HTTPClient) ResolveName(ctx context.Context, id uuid.UUID) (string, bool, error) {
	if id == uuid.Nil {
		return "", false, nil
	}
	undashed := strings.ReplaceAll(id.String(), "-", "")
	profile, found, err := c.query(ctx, c.profileURL+undashed)
	if err != nil || !found {
		return "", found, err
	}
	if profile.Name == "" {
		return "", false, nil
	}
	return profile.Name, true, nil
}

// query performs one GET and decodes the profile object. 204, 404 and any of
// misses are definitive misses; everything else that is not a 200 is transient.
func (c *HTTPClient) query(ctx context.Context, target string, misses ...int) (*remoteProfile, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, domain.Transient("waiting for rate limiter", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("identity service unreachable", "url", target, "error", err)
		return nil, false, domain.Transient("api call", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound,
		slices.Contains(misses, resp.StatusCode):
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		c.logger.Warn("identity service error", "url", target, "status", resp.StatusCode)
		return nil, false, domain.Transient("api call", fmt.Errorf("api returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, false, domain.Transient("read response", err)
	}

	profile, err := decodeProfile(body)
	if err != nil {
		return nil, false, domain.Transient("decode response", err)
	}
	if profile == nil {
		return nil, false, nil
	}
	return profile, true, nil
}

// decodeProfile accepts either a bare profile object or the legacy array
// shape whose second element is the profile. An empty body or an empty array
// slot means no such identity.
func decodeProfile(body []byte) (*remoteProfile, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		if len(items) < 2 || bytes.Equal(bytes.TrimSpace(items[1]), []byte("null")) {
			return nil, nil
		}
		body = items[1]
	}

	var profile remoteProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, err
	}
	if profile.ID == "" && profile.Name == "" {
		return nil, nil
	}
	return &profile, nil
}
