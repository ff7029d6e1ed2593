package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestResolver(t *testing.T) (*Resolver, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:identity_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&UserProfile{}, &LawyerProfile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	resolver, err := NewResolver(ResolverConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	return resolver, db
}

func TestResolveInternalIDPassesThrough(t *testing.T) {
	resolver, _ := newTestResolver(t)

	resolved, err := resolver.Resolve(context.Background(), AddressByInternalID(15), KindLawyer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.PrincipalID != 15 || resolved.Kind != KindLawyer {
		t.Fatalf("unexpected identity: %+v", resolved)
	}
}

func TestResolvePublicIDPerKind(t *testing.T) {
	resolver, db := newTestResolver(t)
	if err := db.Create(&UserProfile{ID: 3, PublicID: "u-abc", DisplayName: "Ana"}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	if err := db.Create(&LawyerProfile{ID: 8, PublicID: "u-abc", DisplayName: "Counsel"}).Error; err != nil {
		t.Fatalf("failed to seed lawyer: %v", err)
	}

	resolved, err := resolver.Resolve(context.Background(), AddressByPublicID("u-abc"), KindUser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.PrincipalID != 3 {
		t.Fatalf("expected user principal 3, got %d", resolved.PrincipalID)
	}

	resolved, err = resolver.Resolve(context.Background(), AddressByPublicID("u-abc"), KindLawyer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.PrincipalID != 8 {
		t.Fatalf("expected lawyer principal 8, got %d", resolved.PrincipalID)
	}
}

func TestResolveUnknownPublicIDReturnsNotFound(t *testing.T) {
	resolver, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), AddressByPublicID("missing"), KindUser)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveEmptyAddressRejected(t *testing.T) {
	resolver, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), Address{}, KindUser)
	if !errors.Is(err, ErrEmptyAddress) {
		t.Fatalf("expected ErrEmptyAddress, got %v", err)
	}
}

func TestResolveCachesPublicIDLookups(t *testing.T) {
	resolver, db := newTestResolver(t)
	if err := db.Create(&UserProfile{ID: 5, PublicID: "u-cached", DisplayName: "Cam"}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	if _, err := resolver.Resolve(context.Background(), AddressByPublicID("u-cached"), KindUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.Delete(&UserProfile{}, 5).Error; err != nil {
		t.Fatalf("failed to delete profile: %v", err)
	}

	resolved, err := resolver.Resolve(context.Background(), AddressByPublicID("u-cached"), KindUser)
	if err != nil {
		t.Fatalf("expected cached resolution, got %v", err)
	}
	if resolved.PrincipalID != 5 {
		t.Fatalf("expected principal 5, got %d", resolved.PrincipalID)
	}
}

func TestDisplayNameLookup(t *testing.T) {
	resolver, db := newTestResolver(t)
	if err := db.Create(&LawyerProfile{ID: 2, PublicID: "lw-2", DisplayName: "Harper & Co"}).Error; err != nil {
		t.Fatalf("failed to seed lawyer: %v", err)
	}

	name, err := resolver.DisplayName(context.Background(), Identity{PrincipalID: 2, Kind: KindLawyer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "Harper & Co" {
		t.Fatalf("unexpected display name: %q", name)
	}

	_, err = resolver.DisplayName(context.Background(), Identity{PrincipalID: 99, Kind: KindUser})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
