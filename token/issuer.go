package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ciathena/sso/saml"
)

const (
	// MinSecretLen is the minimum HMAC secret length. Anything shorter
	// undercuts the signature strength of HS256.
	MinSecretLen = 32

	// TokenTypeBearer is the token_type value reported alongside issued
	// pairs.
	TokenTypeBearer = "bearer"

	// UseAccess and UseRefresh distinguish the two tokens of a pair. A
	// refresh token must never be accepted where an access token is
	// expected, and vice versa.
	UseAccess  = "access"
	UseRefresh = "refresh"

	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	// ErrInvalidToken is returned by Verify for any token that fails
	// signature, claim or use validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the claim set carried by issued session tokens.
type Claims struct {
	jwt.RegisteredClaims

	// Email is the asserted subject identifier the session was minted for.
	Email string `json:"email"`

	// TokenUse is UseAccess or UseRefresh.
	TokenUse string `json:"token_use"`

	// AMR records how the subject authenticated. Always ["saml"] for
	// sessions minted from assertions.
	AMR []string `json:"amr,omitempty"`

	// AuthTime is the IdP-reported authentication instant, in Unix seconds.
	AuthTime int64 `json:"auth_time,omitempty"`
}

// Pair is an issued access/refresh token pair, shaped for a JSON response
// body.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Issuer mints and verifies HMAC-signed session tokens for verified SAML
// identities.
type Issuer struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	directory  Directory
	clock      clockwork.Clock
}

type issuerOptions struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clockwork.Clock
}

func issuerOptionsDefault() issuerOptions {
	return issuerOptions{
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		clock:      clockwork.NewRealClock(),
	}
}

func getIssuerOptions(opt ...Option) issuerOptions {
	opts := issuerOptionsDefault()
	ApplyOpts(&opts, opt...)
	return opts
}

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to an options struct holding the defaults and
// applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil {
			continue
		}
		o(opts)
	}
}

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*issuerOptions); ok {
			o.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*issuerOptions); ok {
			o.refreshTTL = ttl
		}
	}
}

// WithClock pins the issuer's notion of time. Intended for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*issuerOptions); ok {
			o.clock = clock
		}
	}
}

// NewIssuer creates a token issuer. The secret must carry at least
// MinSecretLen bytes; issuer and audience name this service in the minted
// claims; directory resolves asserted subjects to principals.
//
// Options: WithAccessTTL, WithRefreshTTL, WithClock
func NewIssuer(secret []byte, issuer, audience string, directory Directory, opt ...Option) (*Issuer, error) {
	const op = "token.NewIssuer"

	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%s: secret must be at least %d bytes", op, MinSecretLen)
	}
	if issuer == "" {
		return nil, fmt.Errorf("%s: no issuer provided", op)
	}
	if audience == "" {
		return nil, fmt.Errorf("%s: no audience provided", op)
	}
	if directory == nil {
		return nil, fmt.Errorf("%s: no directory provided", op)
	}

	opts := getIssuerOptions(opt...)
	if opts.accessTTL <= 0 || opts.refreshTTL <= 0 {
		return nil, fmt.Errorf("%s: token lifetimes must be positive", op)
	}

	return &Issuer{
		secret:     secret,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  opts.accessTTL,
		refreshTTL: opts.refreshTTL,
		directory:  directory,
		clock:      opts.clock,
	}, nil
}

// Issue resolves the verified identity against the directory and mints an
// access/refresh token pair for the matching principal.
func (i *Issuer) Issue(ctx context.Context, identity *saml.VerifiedIdentity) (*Pair, error) {
	const op = "token.Issuer.Issue"

	if identity == nil || identity.NameID == "" {
		return nil, fmt.Errorf("%s: missing verified identity", op)
	}

	principal, err := i.directory.Lookup(ctx, identity.NameID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := i.clock.Now()

	access, err := i.mint(principal, identity, now, UseAccess, i.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	refresh, err := i.mint(principal, identity, now, UseRefresh, i.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

func (i *Issuer) mint(p *Principal, identity *saml.VerifiedIdentity, now time.Time, use string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:    p.Email,
		TokenUse: use,
		AMR:      []string{"saml"},
	}
	if !identity.AuthnInstant.IsZero() {
		claims.AuthTime = identity.AuthnInstant.Unix()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses and validates a raw token, additionally requiring the given
// token use. Any failure maps to ErrInvalidToken; callers get no more detail
// than the fact that the token is not acceptable.
func (i *Issuer) Verify(raw, use string) (*Claims, error) {
	const op = "token.Issuer.Verify"

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidToken, err)
	}

	if claims.TokenUse != use {
		return nil, fmt.Errorf("%s: token use %q where %q is required: %w", op, claims.TokenUse, use, ErrInvalidToken)
	}

	return claims, nil
}

// Refresh verifies a refresh token and mints a fresh pair for the same
// principal. The subject is re-resolved against the directory so a removed
// principal cannot refresh a session.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	const op = "token.Issuer.Refresh"

	claims, err := i.Verify(refreshToken, UseRefresh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	principal, err := i.directory.Lookup(ctx, claims.Email)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := i.clock.Now()
	identity := &saml.VerifiedIdentity{NameID: principal.Email}
	if claims.AuthTime != 0 {
		identity.AuthnInstant = time.Unix(claims.AuthTime, 0)
	}

	access, err := i.mint(principal, identity, now, UseAccess, i.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	refresh, err := i.mint(principal, identity, now, UseRefresh, i.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}
