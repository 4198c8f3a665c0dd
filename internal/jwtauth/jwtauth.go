// Package jwtauth validates JWT bearer tokens for streaming routes, either
// against a statically configured JWKS URI or via OIDC discovery. JWKS keys
// auto-refresh in the background.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/webstreams/webstreams-go/auth"
)

// Config controls token validation: issuer, accepted audiences, scope policy,
// allowed signing algorithms and clock skew.
type Config struct {
	Issuer            string
	ExpectedAudiences []string
	RequiredScopes    []string
	// ScopeModeAny accepts a token carrying any one of RequiredScopes;
	// otherwise all are required.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

func (c *Config) fillDefaults() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

type validator struct {
	cfg     *Config
	issuer  string
	keyfunc jwt.Keyfunc
}

var _ auth.Authenticator = (*validator)(nil)

// New constructs an authenticator validating tokens against a statically
// configured JWKS URI (no discovery round trip).
func New(ctx context.Context, cfg *Config, jwksURI string) (auth.Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("jwtauth: config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("jwtauth: issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwtauth: jwks uri is required")
	}
	cfg.fillDefaults()
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwtauth: jwks init: %w", err)
	}
	return &validator{cfg: cfg, issuer: cfg.Issuer, keyfunc: algGuard(cfg, kf.Keyfunc)}, nil
}

// NewFromDiscovery resolves the issuer's jwks_uri through OIDC discovery and
// constructs an authenticator with the same validation policy as New.
func NewFromDiscovery(ctx context.Context, cfg *Config) (auth.Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("jwtauth: config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("jwtauth: issuer is required")
	}
	cfg.fillDefaults()

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("jwtauth: oidc discovery: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("jwtauth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("jwtauth: discovery metadata missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwtauth: jwks init: %w", err)
	}
	return &validator{cfg: cfg, issuer: meta.Issuer, keyfunc: algGuard(cfg, kf.Keyfunc)}, nil
}

func algGuard(cfg *Config, inner jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range cfg.AllowedAlgs {
			if alg == a {
				return inner(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func (v *validator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if len(v.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(v.cfg.ExpectedAudiences[0]))
	}

	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", auth.ErrUnauthorized)
	}

	if len(v.cfg.ExpectedAudiences) > 1 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", auth.ErrUnauthorized)
	}

	if len(v.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := map[string]bool{}
		for _, s := range strings.Fields(scopeStr) {
			have[s] = true
		}
		satisfied := !v.cfg.ScopeModeAny
		for _, want := range v.cfg.RequiredScopes {
			if v.cfg.ScopeModeAny && have[want] {
				satisfied = true
				break
			}
			if !v.cfg.ScopeModeAny && !have[want] {
				satisfied = false
				break
			}
		}
		if !satisfied {
			return nil, auth.ErrInsufficientScope
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

func audIntersects(aud any, wants []string) bool {
	wantSet := make(map[string]struct{}, len(wants))
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
