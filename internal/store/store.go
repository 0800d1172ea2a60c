// Package store defines the persistence interface for the points engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
)

var (
	// ErrNotFound is returned when a season, referral record, or ledger
	// entry does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable wraps transient store failures. Callers retry with
	// backoff; the engine never masks an outage.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Referral directory ---

	// GetReferral retrieves a referral record by user id.
	GetReferral(ctx context.Context, userID string) (*model.ReferralRecord, error)

	// GetReferralByCode retrieves a referral record by exact code match.
	GetReferralByCode(ctx context.Context, code string) (*model.ReferralRecord, error)

	// EnsureReferralCode sets the referral code on the user's record,
	// inserting the record when absent. Safe under concurrent first access.
	EnsureReferralCode(ctx context.Context, userID, code string, now time.Time) (*model.ReferralRecord, error)

	// SetReferredBy records who referred the user. First write wins.
	SetReferredBy(ctx context.Context, userID, code string, now time.Time) (*model.ReferralRecord, error)

	// CountReferrals counts records whose referredBy equals code.
	CountReferrals(ctx context.Context, code string) (int64, error)

	// ReferralDirectorySize returns the total record count, used to bound
	// cycle-detection chain walks.
	ReferralDirectorySize(ctx context.Context) (int64, error)

	// GroupReferrers aggregates the directory by referrer: direct referral
	// counts as of asOf (epoch seconds, 0 = no bound) joined with
	// attributed sponsor-side ledger entries, optionally chain-filtered.
	GroupReferrers(ctx context.Context, asOf int64, chain string) ([]model.ReferrerAgg, error)

	// ListReferredUsers lists users referred by code with their attributed
	// point sums, newest activity first. Returns the page slice plus the
	// unpaginated total.
	ListReferredUsers(ctx context.Context, code string, skip, limit int) ([]model.ReferredUserAgg, int64, error)

	// --- Seasons ---

	GetSeasonByNumber(ctx context.Context, number int64) (*model.Season, error)

	// GetSeasonByTime finds the season whose [startAt, endAt) interval
	// contains t; a nil endAt is open-ended.
	GetSeasonByTime(ctx context.Context, t time.Time) (*model.Season, error)

	// GetOpenSeason finds the season with no end time.
	GetOpenSeason(ctx context.Context) (*model.Season, error)

	// GetLatestSeason returns the season with the greatest startAt.
	GetLatestSeason(ctx context.Context) (*model.Season, error)

	// GetFirstSeason returns the season with the smallest startAt.
	GetFirstSeason(ctx context.Context) (*model.Season, error)

	InsertSeason(ctx context.Context, s *model.Season) error

	// CloseSeason sets the end time of an open season.
	CloseSeason(ctx context.Context, number int64, endAt time.Time) error

	// --- Point ledger ---

	// UpsertPointEntries commits one calculation batch. Entries matching an
	// existing (user, txHash, chain, externalHistoryID) key replace the
	// stored entry. When supersedeHistoryID is non-empty, entries for the
	// same txHash carrying no history id or a different one are deleted
	// first. Partial failure surfaces as *PartialBatchError.
	UpsertPointEntries(ctx context.Context, entries []model.PointEntry, supersedeHistoryID string) (model.BatchResult, error)

	// SumUserPoints sums entry totals for one user inside the window.
	SumUserPoints(ctx context.Context, userID string, w model.SeasonWindow, chain string) (decimal.Decimal, error)

	// CountUserEntries counts one user's entries inside the window.
	CountUserEntries(ctx context.Context, userID string, w model.SeasonWindow, chain string) (int64, error)

	// GroupPointsByUser groups in-window entries by user with per-source
	// breakdowns, sorted by season point descending then user ascending.
	GroupPointsByUser(ctx context.Context, w model.SeasonWindow, chain string) ([]model.UserPointAgg, error)

	// ListUserEntries pages one user's entries, newest blockTime first.
	ListUserEntries(ctx context.Context, userID string, f model.HistoryFilter, skip, limit int) ([]model.PointEntry, int64, error)

	// DistinctUsersSince lists users with at least one entry at or after
	// since (epoch seconds).
	DistinctUsersSince(ctx context.Context, since int64) ([]string, error)
}

// EntryFailure pins a batch failure to one ledger entry.
type EntryFailure struct {
	User   string
	TxHash string
	Chain  string
	Err    error
}

// PartialBatchError reports a calculation batch where some but not all
// entries committed. Result counts what did commit.
type PartialBatchError struct {
	Result   model.BatchResult
	Failures []EntryFailure
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("store: partial batch failure (%d of %d entries failed)",
		len(e.Failures), len(e.Failures)+e.Result.Inserted+e.Result.Updated)
}

func (e *PartialBatchError) Unwrap() error {
	if len(e.Failures) > 0 {
		return e.Failures[0].Err
	}
	return nil
}
