package identity

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseKindAcceptsBothPrincipals(t *testing.T) {
	kind, err := ParseKind("user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != KindUser {
		t.Fatalf("expected user kind, got %s", kind)
	}

	kind, err = ParseKind(" Lawyer ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != KindLawyer {
		t.Fatalf("expected lawyer kind, got %s", kind)
	}
}

func TestParseKindRejectsUnknownValue(t *testing.T) {
	if _, err := ParseKind("admin"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestIdentityDistinguishesKinds(t *testing.T) {
	user := Identity{PrincipalID: 7, Kind: KindUser}
	lawyer := Identity{PrincipalID: 7, Kind: KindLawyer}
	if user == lawyer {
		t.Fatal("user and lawyer with the same id must be distinct identities")
	}
}

func TestAddressUnmarshalNumberIsInternal(t *testing.T) {
	var address Address
	if err := json.Unmarshal([]byte(`42`), &address); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	internalID, ok := address.InternalID()
	if !ok {
		t.Fatal("expected an internal id address")
	}
	if internalID != 42 {
		t.Fatalf("expected internal id 42, got %d", internalID)
	}
}

func TestAddressUnmarshalNumericStringStaysPublic(t *testing.T) {
	var address Address
	if err := json.Unmarshal([]byte(`"42"`), &address); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := address.InternalID(); ok {
		t.Fatal("numeric-looking string must stay a public id")
	}
	publicID, ok := address.PublicID()
	if !ok || publicID != "42" {
		t.Fatalf("expected public id \"42\", got %q (ok=%v)", publicID, ok)
	}
}

func TestAddressMarshalRoundTrip(t *testing.T) {
	data, err := json.Marshal(AddressByInternalID(9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "9" {
		t.Fatalf("expected 9, got %s", data)
	}

	data, err = json.Marshal(AddressByPublicID("lw-abc"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `"lw-abc"` {
		t.Fatalf("expected quoted public id, got %s", data)
	}
}

func TestAddressUnmarshalNullIsZero(t *testing.T) {
	var address Address
	if err := json.Unmarshal([]byte(`null`), &address); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !address.IsZero() {
		t.Fatal("null must decode to the zero address")
	}
}
