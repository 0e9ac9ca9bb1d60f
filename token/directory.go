// Package token turns verified SAML identities into signed session token
// pairs after resolving the asserted subject against a principal directory.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPrincipal is returned when an asserted subject has no matching
// principal in the directory. The IdP vouched for the subject, but this
// service does not know them.
var ErrUnknownPrincipal = errors.New("unknown principal")

// Principal is a local account a verified SAML subject can resolve to.
type Principal struct {
	// ID is the stable local identifier, used as the token subject.
	ID string

	// Email is the address the IdP asserts as NameID.
	Email string
}

// Directory resolves asserted subject identifiers to local principals.
// Implementations must return ErrUnknownPrincipal (possibly wrapped) when no
// principal matches.
type Directory interface {
	Lookup(ctx context.Context, email string) (*Principal, error)
}

// StaticDirectory is a Directory over a fixed in-memory set of principals.
// Lookups are case-insensitive on the email address.
type StaticDirectory struct {
	principals map[string]*Principal
}

// NewStaticDirectory creates a StaticDirectory holding the given principals.
func NewStaticDirectory(principals ...*Principal) *StaticDirectory {
	d := &StaticDirectory{
		principals: map[string]*Principal{},
	}
	for _, p := range principals {
		if p == nil || p.Email == "" {
			continue
		}
		d.principals[strings.ToLower(p.Email)] = p
	}

	return d
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(_ context.Context, email string) (*Principal, error) {
	const op = "token.StaticDirectory.Lookup"

	p, ok := d.principals[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", op, email, ErrUnknownPrincipal)
	}

	return p, nil
}
