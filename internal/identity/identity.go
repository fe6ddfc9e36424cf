// Package identity resolves which principal owns the local replica: an
// authenticated user when the auth subsystem confirms one in time, otherwise a
// persisted anonymous id.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes anonymous from authenticated principals.
type Kind int

const (
	KindAnonymous Kind = iota
	KindAuthenticated
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// GuestSuffix is the reserved namespace suffix for anonymous identities.
const GuestSuffix = "guest"

// anonPrefix marks generated anonymous ids so they are never mistaken for a
// remote user id.
const anonPrefix = "anon-"

// ErrInvalid is returned when an identity fails validation.
var ErrInvalid = errors.New("identity: invalid identity")

// Identity is the principal that owns a local namespace and scopes remote
// calls. The zero value is not a valid identity.
type Identity struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Anonymous builds an anonymous identity.
func Anonymous(id string) Identity { return Identity{Kind: KindAnonymous, ID: id} }

// Authenticated builds an authenticated identity.
func Authenticated(id string) Identity { return Identity{Kind: KindAuthenticated, ID: id} }

// IsAnonymous reports whether the identity is anonymous.
func (i Identity) IsAnonymous() bool { return i.Kind == KindAnonymous }

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.ID == "" }

// NamespaceSuffix is the suffix used in local storage keys. All anonymous
// identities share the guest namespace.
func (i Identity) NamespaceSuffix() string {
	if i.IsAnonymous() {
		return GuestSuffix
	}

	return i.ID
}

// Validate rejects empty ids and authenticated ids that collide with the
// reserved guest suffix or the anonymous id prefix.
func (i Identity) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}

	if i.Kind == KindAuthenticated && (i.ID == GuestSuffix || strings.HasPrefix(i.ID, anonPrefix)) {
		return fmt.Errorf("%w: authenticated id %q uses a reserved form", ErrInvalid, i.ID)
	}

	return nil
}

func (i Identity) String() string {
	if i.IsZero() {
		return "<none>"
	}

	return i.Kind.String() + ":" + i.ID
}

// MarshalText implements encoding.TextMarshaler so identities can be used as
// map keys in JSON output.
func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// jsonIdentity avoids recursion through MarshalText when encoding as an
// object.
type jsonIdentity struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// MarshalJSON encodes the identity as {"kind": "...", "id": "..."}.
func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonIdentity{Kind: i.Kind.String(), ID: i.ID})
}
