package authx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const defaultRefreshBefore = 30 * time.Second

// TokenFactory allows callers to override how token sources are built.
type TokenFactory func(subject string, params ProviderParams) (oauth2.TokenSource, error)

// ProviderConfig defines how service tokens are minted by default.
type ProviderConfig struct {
	Service       *Service
	TTL           time.Duration
	RefreshBefore time.Duration
	TokenFactory  TokenFactory
}

// Provider hands out bearer tokens for internal callers such as the status
// aggregator polling the API. It caches one reusing token source per
// (subject, attributes, ttl) combination.
type Provider struct {
	mu            sync.RWMutex
	factory       TokenFactory
	entries       map[providerKey]*tokenSourceEntry
	defaults      ProviderParams
	refreshBefore time.Duration
}

type providerKey struct {
	Subject    string
	Attributes string
	TTL        time.Duration
}

type tokenSourceEntry struct {
	source oauth2.TokenSource
}

// ProviderParams are the per-call token parameters.
type ProviderParams struct {
	Attributes map[string]any
	TTL        time.Duration
}

// TokenOption customizes the behaviour for a single Token call.
type TokenOption func(*ProviderParams)

// WithAttributes sets the attributes embedded in the minted token.
func WithAttributes(attributes map[string]any) TokenOption {
	return func(p *ProviderParams) {
		p.Attributes = cloneAttributes(attributes)
	}
}

// WithTTL overrides the lifetime of the minted token.
func WithTTL(ttl time.Duration) TokenOption {
	return func(p *ProviderParams) {
		p.TTL = ttl
	}
}

// NewProvider constructs a Provider using the supplied defaults.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	factory := cfg.TokenFactory
	if factory == nil {
		if cfg.Service == nil {
			return nil, errors.New("service or token factory is required")
		}
		factory = serviceFactory(cfg.Service)
	}
	refreshBefore := cfg.RefreshBefore
	if refreshBefore <= 0 {
		refreshBefore = defaultRefreshBefore
	}
	return &Provider{
		factory:       factory,
		entries:       make(map[providerKey]*tokenSourceEntry),
		defaults:      ProviderParams{TTL: cfg.TTL},
		refreshBefore: refreshBefore,
	}, nil
}

// Token returns a bearer token for subject, reusing a cached one until it is
// close to expiry.
func (p *Provider) Token(subject string, opts ...TokenOption) (string, error) {
	source, err := p.TokenSource(subject, opts...)
	if err != nil {
		return "", err
	}
	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token returned")
	}
	return tok.AccessToken, nil
}

// TokenSource returns the cached oauth2 token source for subject.
func (p *Provider) TokenSource(subject string, opts ...TokenOption) (oauth2.TokenSource, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, newError(ErrCodeInvalidClaims, errors.New("subject is required"))
	}
	params := cloneParams(p.defaults)
	for _, opt := range opts {
		opt(&params)
	}
	key := providerKey{
		Subject:    subject,
		Attributes: attributesKey(params.Attributes),
		TTL:        params.TTL,
	}
	entry, err := p.getOrCreate(key, params)
	if err != nil {
		return nil, err
	}
	return entry.source, nil
}

// Client returns an HTTP client that authenticates its requests as subject.
func (p *Provider) Client(ctx context.Context, subject string, opts ...TokenOption) (*http.Client, error) {
	source, err := p.TokenSource(subject, opts...)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, source), nil
}

func (p *Provider) getOrCreate(key providerKey, params ProviderParams) (*tokenSourceEntry, error) {
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return entry, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok = p.entries[key]; ok {
		return entry, nil
	}

	ts, err := p.factory(key.Subject, params)
	if err != nil {
		return nil, err
	}
	entry = &tokenSourceEntry{source: oauth2.ReuseTokenSourceWithExpiry(nil, ts, p.refreshBefore)}
	p.entries[key] = entry
	return entry, nil
}

// TokenSource returns an oauth2 token source that mints a fresh token for
// subject on every call. Wrap it with oauth2.ReuseTokenSource to cache.
func (s *Service) TokenSource(subject string, attributes map[string]any, ttl time.Duration) oauth2.TokenSource {
	return &serviceTokenSource{
		service:    s,
		subject:    subject,
		attributes: cloneAttributes(attributes),
		ttl:        ttl,
	}
}

type serviceTokenSource struct {
	service    *Service
	subject    string
	attributes map[string]any
	ttl        time.Duration
}

func (ts *serviceTokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.service.IssueFor(ts.subject, ts.attributes, ts.ttl)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   tok.Type,
		Expiry:      tok.ExpiresAt,
	}, nil
}

func serviceFactory(svc *Service) TokenFactory {
	return func(subject string, params ProviderParams) (oauth2.TokenSource, error) {
		return svc.TokenSource(subject, params.Attributes, params.TTL), nil
	}
}

func cloneParams(in ProviderParams) ProviderParams {
	out := in
	out.Attributes = cloneAttributes(in.Attributes)
	return out
}

func attributesKey(attributes map[string]any) string {
	if len(attributes) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attributes))
	for k := range attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, attributes[k])
	}
	return b.String()
}
