// Package points implements the point calculation and ranking engine: the
// rules that turn one trade event into a set of idempotent ledger entries,
// and the aggregation logic that turns the ledger into rankings, totals,
// and referral statistics, parameterized by season boundaries.
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
	"github.com/quaimark/referral-service/internal/referral"
	"github.com/quaimark/referral-service/internal/season"
	"github.com/quaimark/referral-service/internal/store"
)

// ErrNoSeason is returned when no season covers the trade's block time.
var ErrNoSeason = errors.New("points: no season covers block time")

// TradeEvent is one trade as seen by the calculation engine.
type TradeEvent struct {
	Buyer     string          `json:"to"`
	Seller    string          `json:"from"`
	Price     decimal.Decimal `json:"price"`
	TxHash    string          `json:"tx_hash"`
	Block     int64           `json:"block"`
	BlockTime int64           `json:"block_time"` // epoch seconds
	Chain     string          `json:"chain"`
	Fee       decimal.Decimal `json:"fee"`

	Membership  bool `json:"add_point_for_membership"`
	Sponsor     bool `json:"add_point_for_sponsor"`
	Referral    bool `json:"add_point_for_referral"`
	AwardSeller bool `json:"add_point_for_seller"`

	// PlusPercent is an optional time-bound multiplier: each entry gets a
	// flat bonus of its primary source point times this value.
	PlusPercent decimal.Decimal `json:"plus_percent"`

	// ExternalHistoryID, when set, supersedes any prior calculation of the
	// same txHash that lacked it.
	ExternalHistoryID string `json:"external_history_id,omitempty"`
}

// Calculator turns trade events into ledger entry batches. It constructs
// and submits entries; the store exclusively owns them afterwards.
type Calculator struct {
	store   store.Store
	dir     *referral.Directory
	seasons *season.Resolver

	// copyFee controls whether the trade fee is copied onto derived
	// (sponsor, seller) entries or only kept on the buyer entry.
	copyFee bool
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithoutDerivedFee keeps the trade fee off sponsor and seller entries.
func WithoutDerivedFee() CalculatorOption {
	return func(c *Calculator) { c.copyFee = false }
}

// NewCalculator creates a point calculation engine.
func NewCalculator(st store.Store, dir *referral.Directory, seasons *season.Resolver, opts ...CalculatorOption) *Calculator {
	c := &Calculator{store: st, dir: dir, seasons: seasons, copyFee: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate derives every point award for one trade and commits them as one
// idempotent batch: a buyer entry always, a sponsor entry when the buyer
// was referred and the sponsor flag is set, a seller entry when the seller
// flag is set. Recalculating the same trade replaces the prior entries.
// An explicit seasonOverride skips time-based season resolution.
func (c *Calculator) Calculate(ctx context.Context, ev TradeEvent, seasonOverride *model.Season) (model.BatchResult, error) {
	s := seasonOverride
	if s == nil {
		var err error
		s, err = c.seasons.ByTime(ctx, time.Unix(ev.BlockTime, 0).UTC())
		if errors.Is(err, store.ErrNotFound) {
			return model.BatchResult{}, ErrNoSeason
		}
		if err != nil {
			return model.BatchResult{}, fmt.Errorf("resolve season: %w", err)
		}
	}

	// The base unit every other award derives from.
	tradeVolumePoint := ev.Price.Mul(s.PointTradeVolumeRatio)

	buyer := model.PointEntry{
		ID:                uuid.New().String(),
		User:              ev.Buyer,
		TxHash:            ev.TxHash,
		Block:             ev.Block,
		BlockTime:         ev.BlockTime,
		Volume:            ev.Price,
		Fee:               ev.Fee,
		Chain:             ev.Chain,
		SeasonNumber:      s.Number,
		ExternalHistoryID: ev.ExternalHistoryID,
		CreatedAt:         time.Now().UTC(),
		Source: []model.PointSource{
			{Type: model.SourceBuyVolume, Point: tradeVolumePoint},
		},
	}
	if ev.Membership {
		buyer.Source = append(buyer.Source, model.PointSource{
			Type:  model.SourceMembership,
			Point: tradeVolumePoint.Mul(s.MembershipPlusVolumeRatio),
		})
	}

	buyerInfo, err := c.dir.GetOrCreate(ctx, ev.Buyer)
	if err != nil {
		return model.BatchResult{}, fmt.Errorf("buyer referral info: %w", err)
	}
	if ev.Referral && buyerInfo.ReferredBy != "" && s.RefTradePointRatio.IsPositive() {
		// Rewards the referred buyer, not the referrer.
		buyer.Source = append(buyer.Source, model.PointSource{
			Type:  model.SourceApplyReferral,
			Point: tradeVolumePoint.Mul(s.RefTradePointRatio),
		})
	}
	buyer.SumSources()

	batch := []model.PointEntry{buyer}

	if ev.Sponsor && buyerInfo.ReferredBy != "" && s.SponsorTradePointRatio.IsPositive() {
		referrer, err := c.dir.LookupByCode(ctx, buyerInfo.ReferredBy)
		switch {
		case errors.Is(err, referral.ErrCodeNotFound):
			// No resolvable referrer is not an error; no sponsor entry.
		case err != nil:
			return model.BatchResult{}, fmt.Errorf("sponsor referral info: %w", err)
		default:
			sponsor := model.PointEntry{
				ID:                uuid.New().String(),
				User:              referrer.UserID,
				TxHash:            ev.TxHash,
				Block:             ev.Block,
				BlockTime:         ev.BlockTime,
				Volume:            ev.Price,
				Chain:             ev.Chain,
				Ref:               ev.Buyer,
				SeasonNumber:      s.Number,
				ExternalHistoryID: ev.ExternalHistoryID,
				CreatedAt:         time.Now().UTC(),
				Source: []model.PointSource{
					{Type: model.SourceReferral, Point: tradeVolumePoint.Mul(s.SponsorTradePointRatio)},
				},
			}
			if c.copyFee {
				sponsor.Fee = ev.Fee
			}
			sponsor.SumSources()
			batch = append(batch, sponsor)
		}
	}

	if ev.AwardSeller {
		seller := model.PointEntry{
			ID:                uuid.New().String(),
			User:              ev.Seller,
			TxHash:            ev.TxHash,
			Block:             ev.Block,
			BlockTime:         ev.BlockTime,
			Volume:            ev.Price,
			Chain:             ev.Chain,
			SeasonNumber:      s.Number,
			ExternalHistoryID: ev.ExternalHistoryID,
			CreatedAt:         time.Now().UTC(),
			Source: []model.PointSource{
				{Type: model.SourceSellVolume, Point: tradeVolumePoint},
			},
		}
		if c.copyFee {
			seller.Fee = ev.Fee
		}
		seller.SumSources()
		batch = append(batch, seller)
	}

	if ev.PlusPercent.IsPositive() {
		// Flat percentage bonus over each entry's first (primary) source
		// component, appended as its own source line.
		for i := range batch {
			bonus := batch[i].Source[0].Point.Mul(ev.PlusPercent)
			batch[i].Source = append(batch[i].Source, model.PointSource{
				Type:  model.SourcePlus,
				Point: bonus,
			})
			batch[i].Point = batch[i].Point.Add(bonus)
		}
	}

	res, err := c.store.UpsertPointEntries(ctx, batch, ev.ExternalHistoryID)
	if err != nil {
		return res, err
	}

	slog.Info("points calculated",
		"tx", ev.TxHash,
		"chain", ev.Chain,
		"buyer", ev.Buyer,
		"entries", len(batch),
		"buyer_point", buyer.Point.String(),
		"season", s.Number,
	)
	return res, nil
}
