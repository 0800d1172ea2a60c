// Package season resolves the season record governing point calculation for
// a given time or season number, and rotates seasons.
package season

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
	"github.com/quaimark/referral-service/internal/store"
)

// Defaults holds the ratio values a freshly created season starts with.
// Always passed in explicitly, never read from ambient state.
type Defaults struct {
	PointTradeVolumeRatio     decimal.Decimal
	MembershipPlusVolumeRatio decimal.Decimal
	RefTradePointRatio        decimal.Decimal
	SponsorTradePointRatio    decimal.Decimal
	MembershipShareFeeRatio   decimal.Decimal
}

// Resolver reads seasons and creates the next one when none is open.
type Resolver struct {
	store    store.Store
	defaults Defaults
}

// NewResolver creates a season resolver with the given default ratios.
func NewResolver(st store.Store, defaults Defaults) *Resolver {
	return &Resolver{store: st, defaults: defaults}
}

// ByNumber returns the season with the given number.
func (r *Resolver) ByNumber(ctx context.Context, number int64) (*model.Season, error) {
	return r.store.GetSeasonByNumber(ctx, number)
}

// ByTime returns the season whose interval contains t. An open season
// (no end time) contains every time at or after its start.
func (r *Resolver) ByTime(ctx context.Context, t time.Time) (*model.Season, error) {
	return r.store.GetSeasonByTime(ctx, t)
}

// First returns the earliest season by start time.
func (r *Resolver) First(ctx context.Context) (*model.Season, error) {
	return r.store.GetFirstSeason(ctx)
}

// CurrentOrCreate returns the open season, creating the next one with the
// default ratios when none is open. A new season continues where the latest
// one ended, or starts now when no season exists at all.
func (r *Resolver) CurrentOrCreate(ctx context.Context) (*model.Season, error) {
	season, err := r.store.GetOpenSeason(ctx)
	if err == nil {
		return season, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find open season: %w", err)
	}

	number := int64(1)
	startAt := time.Now().UTC()
	latest, err := r.store.GetLatestSeason(ctx)
	if err == nil {
		number = latest.Number + 1
		if latest.EndAt != nil {
			startAt = *latest.EndAt
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find latest season: %w", err)
	}

	season = &model.Season{
		Number:                    number,
		Name:                      fmt.Sprintf("Season %d", number),
		StartAt:                   startAt,
		PointTradeVolumeRatio:     r.defaults.PointTradeVolumeRatio,
		MembershipPlusVolumeRatio: r.defaults.MembershipPlusVolumeRatio,
		RefTradePointRatio:        r.defaults.RefTradePointRatio,
		SponsorTradePointRatio:    r.defaults.SponsorTradePointRatio,
		MembershipShareFeeRatio:   r.defaults.MembershipShareFeeRatio,
	}
	if err := r.store.InsertSeason(ctx, season); err != nil {
		return nil, fmt.Errorf("create season %d: %w", number, err)
	}

	slog.Info("season created", "number", number, "start_at", startAt)
	return season, nil
}

// Rotate closes the open season at the given time and opens the next
// contiguous one. Name may be empty; a default is generated.
func (r *Resolver) Rotate(ctx context.Context, at time.Time, name string) (*model.Season, error) {
	current, err := r.CurrentOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	if at.Before(current.StartAt) {
		return nil, fmt.Errorf("rotate season %d: end %s precedes start %s",
			current.Number, at, current.StartAt)
	}
	if err := r.store.CloseSeason(ctx, current.Number, at); err != nil {
		return nil, fmt.Errorf("close season %d: %w", current.Number, err)
	}

	next := &model.Season{
		Number:                    current.Number + 1,
		Name:                      name,
		StartAt:                   at,
		PointTradeVolumeRatio:     r.defaults.PointTradeVolumeRatio,
		MembershipPlusVolumeRatio: r.defaults.MembershipPlusVolumeRatio,
		RefTradePointRatio:        r.defaults.RefTradePointRatio,
		SponsorTradePointRatio:    r.defaults.SponsorTradePointRatio,
		MembershipShareFeeRatio:   r.defaults.MembershipShareFeeRatio,
	}
	if next.Name == "" {
		next.Name = fmt.Sprintf("Season %d", next.Number)
	}
	if err := r.store.InsertSeason(ctx, next); err != nil {
		return nil, fmt.Errorf("create season %d: %w", next.Number, err)
	}

	slog.Info("season rotated",
		"closed", current.Number,
		"opened", next.Number,
		"at", at,
	)
	return next, nil
}
