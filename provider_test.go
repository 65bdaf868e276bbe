package authx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fakeFactory struct {
	count int32
	err   error
}

func (f *fakeFactory) call(subject string, params ProviderParams) (oauth2.TokenSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	atomic.AddInt32(&f.count, 1)
	tokenValue := subject + ":" + params.TTL.String()
	tok := &oauth2.Token{AccessToken: tokenValue, Expiry: time.Now().Add(time.Hour)}
	return oauth2.StaticTokenSource(tok), nil
}

func TestProviderTokenCaching(t *testing.T) {
	factory := &fakeFactory{}
	provider, err := NewProvider(ProviderConfig{TokenFactory: factory.call, TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	token, err := provider.Token("status-aggregator")
	if err != nil {
		t.Fatalf("Token error: %v", err)
	}
	if token != "status-aggregator:1m0s" {
		t.Fatalf("unexpected token: %s", token)
	}

	token, err = provider.Token("status-aggregator")
	if err != nil {
		t.Fatalf("Token second call: %v", err)
	}
	if token != "status-aggregator:1m0s" {
		t.Fatalf("unexpected token second call: %s", token)
	}
	if got := atomic.LoadInt32(&factory.count); got != 1 {
		t.Fatalf("expected factory invoked once, got %d", got)
	}

	// Different attributes should create a new entry.
	_, err = provider.Token("status-aggregator", WithAttributes(map[string]any{"role": "system"}))
	if err != nil {
		t.Fatalf("Token with attributes: %v", err)
	}
	if got := atomic.LoadInt32(&factory.count); got != 2 {
		t.Fatalf("expected factory invoked twice, got %d", got)
	}

	_, err = provider.Token("status-aggregator", WithTTL(5*time.Minute))
	if err != nil {
		t.Fatalf("Token with ttl: %v", err)
	}
	if got := atomic.LoadInt32(&factory.count); got != 3 {
		t.Fatalf("expected factory invoked three times, got %d", got)
	}
}

func TestProviderFactoryError(t *testing.T) {
	expected := errors.New("signing key unavailable")
	factory := &fakeFactory{err: expected}
	provider, err := NewProvider(ProviderConfig{TokenFactory: factory.call})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	_, err = provider.Token("status-aggregator")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, expected) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProviderRequiresSubject(t *testing.T) {
	provider, err := NewProvider(ProviderConfig{TokenFactory: (&fakeFactory{}).call})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	_, err = provider.Token("  ")
	expectCode(t, err, ErrCodeInvalidClaims)
}

func TestProviderDefaultConfig(t *testing.T) {
	if _, err := NewProvider(ProviderConfig{}); err == nil {
		t.Fatalf("expected error without service or factory")
	}
}

func TestProviderWithService(t *testing.T) {
	svc := newTestService(t)
	provider, err := NewProvider(ProviderConfig{Service: svc, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	first, err := provider.Token("status-aggregator", WithAttributes(map[string]any{"role": "system"}))
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	second, err := provider.Token("status-aggregator", WithAttributes(map[string]any{"role": "system"}))
	if err != nil {
		t.Fatalf("Token second call: %v", err)
	}
	if first != second {
		t.Fatal("expected cached token to be reused")
	}

	var seen atomic.Value
	api := httptest.NewServer(Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerClaimsFromContext(r.Context())
		seen.Store(caller.Claims.StringAttribute("role"))
		w.WriteHeader(http.StatusNoContent)
	})))
	t.Cleanup(api.Close)

	client, err := provider.Client(testContext(t), "status-aggregator", WithAttributes(map[string]any{"role": "system"}))
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	resp, err := client.Get(api.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if role, _ := seen.Load().(string); role != "system" {
		t.Fatalf("unexpected role seen by api: %q", role)
	}
}

func TestServiceTokenSourceMintsFreshTokens(t *testing.T) {
	svc := newTestService(t)
	source := svc.TokenSource("status-aggregator", nil, time.Minute)
	tok, err := source.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.AccessToken == "" {
		t.Fatalf("unexpected token: %+v", tok)
	}
	if !tok.Valid() {
		t.Fatal("fresh token should be valid")
	}
	claims, err := svc.Validate(testContext(t), tok.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "status-aggregator" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}

	_, err = svc.TokenSource("", nil, time.Minute).Token()
	expectCode(t, err, ErrCodeInvalidClaims)
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
