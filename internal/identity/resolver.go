package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the address does not name a known principal.
	ErrNotFound = errors.New("identity: principal not found")
	// ErrEmptyAddress indicates a zero address was passed to the resolver.
	ErrEmptyAddress = errors.New("identity: empty address")

	errMissingDatabase = errors.New("identity: database handle is required")
)

// ResolverConfig describes the dependencies required for address resolution.
type ResolverConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver maps addresses to canonical identities and serves display
// names from the profile tables. Resolution is read-only; successful
// public-id lookups are cached for the lifetime of the process.
type Resolver struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Resolve returns the canonical identity for the supplied address and
// principal kind. Internal ids pass through untouched; public ids are
// looked up in the profile table matching the kind.
func (r *Resolver) Resolve(ctx context.Context, address Address, kind Kind) (Identity, error) {
	if address.IsZero() {
		return Identity{}, ErrEmptyAddress
	}
	if kind != KindUser && kind != KindLawyer {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	if internalID, ok := address.InternalID(); ok {
		return Identity{PrincipalID: internalID, Kind: kind}, nil
	}

	publicID, _ := address.PublicID()
	cacheKey := string(kind) + ":" + publicID
	if cached, ok := r.cache.Load(cacheKey); ok {
		if principalID, ok := cached.(int64); ok {
			return Identity{PrincipalID: principalID, Kind: kind}, nil
		}
	}

	principalID, err := r.lookupPublicID(ctx, publicID, kind)
	if err != nil {
		return Identity{}, err
	}
	r.cache.Store(cacheKey, principalID)
	return Identity{PrincipalID: principalID, Kind: kind}, nil
}

// DisplayName returns the profile display name for the identity.
func (r *Resolver) DisplayName(ctx context.Context, id Identity) (string, error) {
	switch id.Kind {
	case KindUser:
		var profile UserProfile
		if err := r.db.WithContext(ctx).Where("id = ?", id.PrincipalID).Take(&profile).Error; err != nil {
			return "", r.mapLookupError(err, id.String())
		}
		return profile.DisplayName, nil
	case KindLawyer:
		var profile LawyerProfile
		if err := r.db.WithContext(ctx).Where("id = ?", id.PrincipalID).Take(&profile).Error; err != nil {
			return "", r.mapLookupError(err, id.String())
		}
		return profile.DisplayName, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, id.Kind)
	}
}

func (r *Resolver) lookupPublicID(ctx context.Context, publicID string, kind Kind) (int64, error) {
	switch kind {
	case KindUser:
		var profile UserProfile
		if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).Take(&profile).Error; err != nil {
			return 0, r.mapLookupError(err, publicID)
		}
		return profile.ID, nil
	default:
		var profile LawyerProfile
		if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).Take(&profile).Error; err != nil {
			return 0, r.mapLookupError(err, publicID)
		}
		return profile.ID, nil
	}
}

func (r *Resolver) mapLookupError(err error, subject string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	r.logger.Error("profile lookup failed", zap.String("subject", subject), zap.Error(err))
	return err
}
