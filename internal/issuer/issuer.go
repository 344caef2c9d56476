// Package issuer mints signing credentials.
//
// HTTPIssuer calls the signing-key API of the service the credentials are
// used against. LocalIssuer mints random keys in-process for local runs.
package issuer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	dserrors "github.com/systmms/signkey/internal/errors"
	"github.com/systmms/signkey/internal/logging"
	"github.com/systmms/signkey/internal/secure"
	"github.com/systmms/signkey/pkg/signingkey"
)

// DefaultTimeout bounds a single call to the issuer API.
const DefaultTimeout = 30 * time.Second

// HTTPConfig configures an HTTPIssuer.
type HTTPConfig struct {
	// Endpoint is the base URL of the issuer API.
	Endpoint string

	// Timeout for the HTTP request (default: 30s).
	Timeout time.Duration
}

// HTTPIssuer requests credentials from POST {endpoint}/signing-keys.
type HTTPIssuer struct {
	config HTTPConfig
	client *http.Client
	tokens TokenSource
	logger *logging.Logger

	mu    sync.Mutex
	token *secure.Token
}

// NewHTTPIssuer creates an issuer that authenticates with a token from tokens.
// The token is fetched on first use and kept sealed for later calls.
func NewHTTPIssuer(config HTTPConfig, tokens TokenSource, logger *logging.Logger) (*HTTPIssuer, error) {
	parsed, err := url.Parse(config.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, dserrors.ConfigError{
			Field:      "issuer.endpoint",
			Value:      config.Endpoint,
			Message:    "invalid issuer URL",
			Suggestion: "Set ISSUER_ENDPOINT to the base URL of the signing-key API, e.g. https://api.example.com",
		}
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	return &HTTPIssuer{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		tokens: tokens,
		logger: logging.OrDiscard(logger),
	}, nil
}

type issueRequest struct {
	TTLMinutes int `json:"ttlMinutes"`
}

// Issue mints a credential valid for ttlMinutes.
func (i *HTTPIssuer) Issue(ctx context.Context, ttlMinutes int) (signingkey.Credential, error) {
	token, err := i.authToken(ctx)
	if err != nil {
		return signingkey.Credential{}, fmt.Errorf("failed to load issuer auth token: %w", err)
	}

	payload, err := json.Marshal(issueRequest{TTLMinutes: ttlMinutes})
	if err != nil {
		return signingkey.Credential{}, fmt.Errorf("failed to build payload: %w", err)
	}

	endpoint := strings.TrimRight(i.config.Endpoint, "/") + "/signing-keys"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return signingkey.Credential{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := token.With(func(plaintext []byte) error {
		req.Header.Set("Authorization", "Bearer "+string(plaintext))
		return nil
	}); err != nil {
		return signingkey.Credential{}, err
	}

	i.logger.Debug("Requesting signing key from %s (ttl %d minutes)", endpoint, ttlMinutes)
	resp, err := i.client.Do(req)
	if err != nil {
		return signingkey.Credential{}, dserrors.StoreError("issuer", "Issue", fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return signingkey.Credential{}, fmt.Errorf("failed to read issuer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			i.forgetToken()
		}
		return signingkey.Credential{}, dserrors.StoreError("issuer", "Issue",
			fmt.Errorf("issuer returned status %d: %s", resp.StatusCode, snippet(body)))
	}

	var cred signingkey.Credential
	if err := json.Unmarshal(body, &cred); err != nil {
		return signingkey.Credential{}, fmt.Errorf("failed to decode issuer response: %w", err)
	}
	if err := cred.Validate(); err != nil {
		return signingkey.Credential{}, fmt.Errorf("issuer response: %w", err)
	}

	i.logger.Debug("Issuer returned signing key %s expiring %s", cred.KeyID, cred.ExpiresAt.UTC().Format(time.RFC3339))
	return cred, nil
}

// Close drops the cached token.
func (i *HTTPIssuer) Close() {
	i.forgetToken()
}

func (i *HTTPIssuer) authToken(ctx context.Context) (*secure.Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.token != nil {
		return i.token, nil
	}
	token, err := i.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	i.token = token
	return token, nil
}

// forgetToken discards the cached token so the next call refetches it,
// picking up a token that was rotated in its own store.
func (i *HTTPIssuer) forgetToken() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.token != nil {
		i.token.Destroy()
		i.token = nil
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// LocalIssuer mints random 256-bit keys without any remote call.
type LocalIssuer struct {
	// Endpoint is copied into every credential.
	Endpoint string

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// NewLocalIssuer creates a local issuer.
func NewLocalIssuer(endpoint string) *LocalIssuer {
	return &LocalIssuer{Endpoint: endpoint}
}

// Issue mints a credential valid for ttlMinutes.
func (l *LocalIssuer) Issue(ctx context.Context, ttlMinutes int) (signingkey.Credential, error) {
	if err := ctx.Err(); err != nil {
		return signingkey.Credential{}, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return signingkey.Credential{}, fmt.Errorf("failed to generate key: %w", err)
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	return signingkey.Credential{
		KeyID:     uuid.NewString(),
		Endpoint:  l.Endpoint,
		Key:       base64.StdEncoding.EncodeToString(key),
		ExpiresAt: now().Add(time.Duration(ttlMinutes) * time.Minute).UTC(),
	}, nil
}
