package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes the two principal populations that can hold a
// realtime connection. A user and a lawyer with the same numeric id
// are different principals.
type Kind string

const (
	KindUser   Kind = "user"
	KindLawyer Kind = "lawyer"
)

// ErrInvalidKind indicates an unrecognized principal kind value.
var ErrInvalidKind = errors.New("identity: invalid principal kind")

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindUser:
		return KindUser, nil
	case KindLawyer:
		return KindLawyer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// Identity is the canonical address of a connected principal. It is
// comparable and used directly as a map key.
type Identity struct {
	PrincipalID int64 `json:"principal_id"`
	Kind        Kind  `json:"kind"`
}

func (id Identity) String() string {
	return string(id.Kind) + ":" + strconv.FormatInt(id.PrincipalID, 10)
}

// IsZero reports whether the identity carries no principal.
func (id Identity) IsZero() bool {
	return id.PrincipalID == 0 && id.Kind == ""
}

// Address names a principal either by its internal numeric id or by the
// opaque public id exposed outside the system. The two variants are kept
// distinct so a numeric-looking public id is never misread as an
// internal id.
type Address struct {
	internalID int64
	publicID   string
	isInternal bool
}

// AddressByInternalID builds an address from a canonical internal id.
func AddressByInternalID(id int64) Address {
	return Address{internalID: id, isInternal: true}
}

// AddressByPublicID builds an address from an opaque public identifier.
func AddressByPublicID(id string) Address {
	return Address{publicID: strings.TrimSpace(id)}
}

// InternalID returns the internal id and whether the address carries one.
func (a Address) InternalID() (int64, bool) {
	return a.internalID, a.isInternal
}

// PublicID returns the public id and whether the address carries one.
func (a Address) PublicID() (string, bool) {
	if a.isInternal {
		return "", false
	}
	return a.publicID, a.publicID != ""
}

// IsZero reports whether the address names nothing.
func (a Address) IsZero() bool {
	return !a.isInternal && a.publicID == ""
}

func (a Address) String() string {
	if a.isInternal {
		return "internal:" + strconv.FormatInt(a.internalID, 10)
	}
	return "public:" + a.publicID
}

// UnmarshalJSON accepts either a JSON number (internal id) or a JSON
// string (public id). A string of digits stays a public id.
func (a *Address) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*a = Address{}
		return nil
	}
	if trimmed[0] == '"' {
		var publicID string
		if err := json.Unmarshal(data, &publicID); err != nil {
			return err
		}
		*a = AddressByPublicID(publicID)
		return nil
	}
	var internalID int64
	if err := json.Unmarshal(data, &internalID); err != nil {
		return fmt.Errorf("identity: address must be a number or string: %w", err)
	}
	*a = AddressByInternalID(internalID)
	return nil
}

// MarshalJSON emits the variant the address was built from.
func (a Address) MarshalJSON() ([]byte, error) {
	if a.isInternal {
		return json.Marshal(a.internalID)
	}
	return json.Marshal(a.publicID)
}
