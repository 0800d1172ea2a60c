// Package referral implements the referral directory: deterministic code
// generation, code lookup, and cycle-safe attachment of referral edges.
package referral

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quaimark/referral-service/internal/model"
	"github.com/quaimark/referral-service/internal/store"
)

var (
	// ErrInvalidCode is returned when an empty referral code is supplied.
	ErrInvalidCode = errors.New("referral: code is required")

	// ErrAlreadyReferred is returned when the user already has a referrer.
	ErrAlreadyReferred = errors.New("referral: user already has a referrer")

	// ErrCodeNotFound is returned when a code matches no record.
	ErrCodeNotFound = errors.New("referral: code not found")

	// ErrSelfReferral is returned on direct or transitive self-referral.
	ErrSelfReferral = errors.New("referral: user cannot refer themselves")
)

// codePrefix precedes the truncated hash in every generated code.
const codePrefix = "REF-"

// codeHashLen is the number of hex characters kept from the hash.
const codeHashLen = 8

// CodeFor derives a user's referral code: a stable one-way hash of the user
// id, truncated and prefixed. The same user id always yields the same code.
func CodeFor(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return codePrefix + hex.EncodeToString(sum[:])[:codeHashLen]
}

// Directory answers referral lookups and owns edge insertion. It does not
// own the backing records; those live in the store.
type Directory struct {
	store store.Store
}

// NewDirectory creates a referral directory over the given store.
func NewDirectory(st store.Store) *Directory {
	return &Directory{store: st}
}

// GetOrCreate returns the user's referral record, lazily generating and
// persisting the referral code on first access. The store upsert makes
// concurrent first access safe.
func (d *Directory) GetOrCreate(ctx context.Context, userID string) (*model.ReferralRecord, error) {
	rec, err := d.store.GetReferral(ctx, userID)
	if err == nil && rec.ReferralCode != "" {
		return rec, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get referral %s: %w", userID, err)
	}

	rec, err = d.store.EnsureReferralCode(ctx, userID, CodeFor(userID), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ensure referral code %s: %w", userID, err)
	}
	return rec, nil
}

// LookupByCode finds the record owning a referral code. Exact match only.
func (d *Directory) LookupByCode(ctx context.Context, code string) (*model.ReferralRecord, error) {
	rec, err := d.store.GetReferralByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup code %s: %w", code, err)
	}
	return rec, nil
}

// Attach records that userID was referred by the owner of code. The edge is
// set at most once and must not close a cycle: walking referredBy links from
// the code's owner must never reach userID's own code.
func (d *Directory) Attach(ctx context.Context, userID, code string) (*model.ReferralRecord, error) {
	if code == "" {
		return nil, ErrInvalidCode
	}

	user, err := d.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ReferredBy != "" {
		return nil, ErrAlreadyReferred
	}

	owner, err := d.store.GetReferralByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup code %s: %w", code, err)
	}
	if owner.UserID == userID {
		return nil, ErrSelfReferral
	}

	// Walk the referredBy chain upward from the code's owner. The walk is
	// bounded by directory size, guarding against malformed cyclic data
	// that pre-dates this check.
	bound, err := d.store.ReferralDirectorySize(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory size: %w", err)
	}
	node := owner
	for steps := int64(0); node.ReferredBy != "" && steps < bound; steps++ {
		if node.ReferredBy == user.ReferralCode {
			return nil, ErrSelfReferral
		}
		node, err = d.store.GetReferralByCode(ctx, node.ReferredBy)
		if errors.Is(err, store.ErrNotFound) {
			break // dangling edge; chain ends here
		}
		if err != nil {
			return nil, fmt.Errorf("walk referral chain: %w", err)
		}
	}

	rec, err := d.store.SetReferredBy(ctx, userID, code, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("set referredBy %s: %w", userID, err)
	}

	slog.Info("referral attached",
		"user", userID,
		"code", code,
		"referrer", owner.UserID,
	)
	return rec, nil
}

// CountDirect counts the users directly referred by code.
func (d *Directory) CountDirect(ctx context.Context, code string) (int64, error) {
	return d.store.CountReferrals(ctx, code)
}

// ListReferred pages the users referred by code, with their attributed
// point sums and latest activity.
func (d *Directory) ListReferred(ctx context.Context, code string, page, size int) (model.Page[model.ReferredUserAgg], error) {
	page, size, skip := model.NormalizePage(page, size)
	rows, total, err := d.store.ListReferredUsers(ctx, code, skip, size)
	if err != nil {
		return model.Page[model.ReferredUserAgg]{}, fmt.Errorf("list referred by %s: %w", code, err)
	}
	return model.NewPage(rows, total, page, size), nil
}
