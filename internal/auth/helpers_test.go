package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/twitchsub/internal/domain"
)

type memoryStore struct {
	mu    sync.Mutex
	creds domain.Credentials
	ok    bool
	saves int
}

func (m *memoryStore) Load(context.Context) (domain.Credentials, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, m.ok, nil
}

func (m *memoryStore) Save(_ context.Context, c domain.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds, m.ok = c, true
	m.saves++
	return nil
}

type stubValidator struct {
	mu     sync.Mutex
	tokens map[string]domain.TokenInfo
	calls  int
}

func newStubValidator() *stubValidator {
	return &stubValidator{tokens: map[string]domain.TokenInfo{}}
}

func (v *stubValidator) allow(token string, scopes ...domain.Scope) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = domain.TokenInfo{
		ClientID:  "client-id",
		UserID:    "141981764",
		Login:     "twitchdev",
		Scopes:    scopes,
		ExpiresIn: 4 * time.Hour,
	}
}

func (v *stubValidator) ValidateToken(_ context.Context, token string) (domain.TokenInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	info, ok := v.tokens[token]
	if !ok {
		return domain.TokenInfo{}, domain.ErrTokenInvalid
	}
	return info, nil
}

type stubFlow struct {
	calls  atomic.Int32
	scopes []domain.Scope
	grant  func(ctx context.Context, scopes []domain.Scope) (domain.Credentials, error)
}

func (f *stubFlow) Grant(ctx context.Context, scopes []domain.Scope) (domain.Credentials, error) {
	f.calls.Add(1)
	f.scopes = scopes
	return f.grant(ctx, scopes)
}

func grantToken(token string) *stubFlow {
	return &stubFlow{grant: func(context.Context, []domain.Scope) (domain.Credentials, error) {
		return domain.Credentials{AccessToken: token, RefreshToken: token + "-refresh"}, nil
	}}
}

// tokenServer fakes the OAuth token endpoint.
type tokenServer struct {
	*httptest.Server
	calls   atomic.Int32
	status  int
	payload map[string]any
	gate    chan struct{}
}

func newTokenServer(t *testing.T, status int, payload map[string]any) *tokenServer {
	t.Helper()
	ts := &tokenServer{status: status, payload: payload}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if ts.gate != nil {
			<-ts.gate
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ts.status)
		_ = json.NewEncoder(w).Encode(ts.payload)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(baseURL string, clock clockwork.Clock) Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:3000",
		AuthBaseURL:  baseURL,
		Clock:        clock,
	}
}
