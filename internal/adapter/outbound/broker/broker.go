// Package broker implements the credential broker port: an HTTP client for a
// real broker service, and a static in-process issuer for dev and tests.
package broker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

// requestTimeout bounds every broker round trip.
const requestTimeout = 5 * time.Second

var _ outbound.CredentialBroker = (*HTTP)(nil)

// HTTP talks to an external credential broker service.
type HTTP struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewHTTP creates a broker client for the service at baseURL.
func NewHTTP(baseURL string, logger *slog.Logger) *HTTP {
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// Issue requests a short-lived credential for the session and scope.
func (b *HTTP) Issue(ctx context.Context, sessionID, scope string, ttl time.Duration) (outbound.Credential, error) {
	payload, err := json.Marshal(map[string]any{
		"session_id":  sessionID,
		"scope":       scope,
		"ttl_seconds": int(ttl.Seconds()),
	})
	if err != nil {
		return outbound.Credential{}, fmt.Errorf("encode issue request: %w", err)
	}

	resp, err := b.post(ctx, "/v1/credentials", payload)
	if err != nil {
		return outbound.Credential{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return outbound.Credential{}, fmt.Errorf("credential broker status %d", resp.StatusCode)
	}
	var cred outbound.Credential
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&cred); err != nil {
		return outbound.Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return cred, nil
}

// RevokeSession invalidates every credential issued to the session.
func (b *HTTP) RevokeSession(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("encode revoke request: %w", err)
	}

	resp, err := b.post(ctx, "/v1/credentials/revoke", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("credential broker status %d", resp.StatusCode)
	}
	return nil
}

// post relies on the client timeout to bound the round trip including the
// body read; wrapping ctx here would cancel the body mid-decode.
func (b *HTTP) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build broker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential broker round trip: %w", err)
	}
	return resp, nil
}

var _ outbound.CredentialBroker = (*Static)(nil)

// Static mints random in-process credentials. Used when no broker URL is
// configured; revocation simply forgets the session's tokens.
type Static struct {
	mu     sync.Mutex
	issued map[string][]string // session -> tokens
	now    func() time.Time
}

// NewStatic creates the in-process issuer.
func NewStatic() *Static {
	return &Static{issued: make(map[string][]string), now: time.Now}
}

// Issue mints a random token scoped to the session.
func (s *Static) Issue(_ context.Context, sessionID, scope string, ttl time.Duration) (outbound.Credential, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return outbound.Credential{}, fmt.Errorf("generate credential token: %w", err)
	}
	cred := outbound.Credential{
		Token:     "cred_" + hex.EncodeToString(raw),
		Scope:     scope,
		SessionID: sessionID,
		ExpiresAt: s.now().Add(ttl).UTC(),
	}

	s.mu.Lock()
	s.issued[sessionID] = append(s.issued[sessionID], cred.Token)
	s.mu.Unlock()
	return cred, nil
}

// RevokeSession drops every token issued to the session.
func (s *Static) RevokeSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.issued, sessionID)
	s.mu.Unlock()
	return nil
}

// IssuedCount reports how many live tokens a session holds.
func (s *Static) IssuedCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issued[sessionID])
}
