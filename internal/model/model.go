// Package model defines the core domain types shared across the points
// engine. All points, ratios, volumes and fees use shopspring/decimal,
// never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceType labels one component of a ledger entry's point total.
type SourceType string

const (
	SourceBuyVolume     SourceType = "buy_volume"
	SourceSellVolume    SourceType = "sell_volume"
	SourceMembership    SourceType = "membership"
	SourceApplyReferral SourceType = "apply_referral"
	SourceReferral      SourceType = "referral"
	SourcePlus          SourceType = "plus"
)

// PointSource is one labeled component of a ledger entry's point total.
type PointSource struct {
	Type  SourceType      `json:"type"`
	Point decimal.Decimal `json:"point"`
}

// PointEntry is one idempotent point award for one user arising from one
// trade. Point is always the sum of Source points; it is recomputed, never
// stored independently. The uniqueness key is
// (User, TxHash, Chain, ExternalHistoryID); a second calculation for the
// same key replaces the entry in place.
type PointEntry struct {
	ID                string          `json:"id" db:"id"`
	User              string          `json:"user" db:"user_id"`
	TxHash            string          `json:"tx_hash" db:"tx_hash"`
	Block             int64           `json:"block" db:"block"`
	BlockTime         int64           `json:"block_time" db:"block_time"` // epoch seconds
	Point             decimal.Decimal `json:"point" db:"point"`
	Source            []PointSource   `json:"source" db:"source"`
	Volume            decimal.Decimal `json:"volume" db:"volume"`
	Fee               decimal.Decimal `json:"fee" db:"fee"`
	Chain             string          `json:"chain" db:"chain"`
	Ref               string          `json:"ref,omitempty" db:"ref"` // set only on sponsor-side entries
	SeasonNumber      int64           `json:"season_number" db:"season_number"`
	ExternalHistoryID string          `json:"external_history_id,omitempty" db:"external_history_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// SumSources recomputes Point from the Source breakdown.
func (e *PointEntry) SumSources() {
	total := decimal.Zero
	for _, s := range e.Source {
		total = total.Add(s.Point)
	}
	e.Point = total
}

// Season is a bounded time window with its own point-conversion ratios.
// Exactly one season is open (EndAt == nil) at a time; seasons are
// contiguous. All ratios are plain multipliers: 10 means 1000%.
type Season struct {
	Number                    int64           `json:"season_number" db:"season_number"`
	Name                      string          `json:"name" db:"name"`
	StartAt                   time.Time       `json:"start_at" db:"start_at"`
	EndAt                     *time.Time      `json:"end_at,omitempty" db:"end_at"`
	PointTradeVolumeRatio     decimal.Decimal `json:"point_trade_volume_ratio" db:"point_trade_volume_ratio"`
	MembershipPlusVolumeRatio decimal.Decimal `json:"membership_plus_volume_ratio" db:"membership_plus_volume_ratio"`
	RefTradePointRatio        decimal.Decimal `json:"ref_trade_point_ratio" db:"ref_trade_point_ratio"`
	SponsorTradePointRatio    decimal.Decimal `json:"sponsor_trade_point_ratio" db:"sponsor_trade_point_ratio"`
	MembershipShareFeeRatio   decimal.Decimal `json:"membership_share_fee_ratio" db:"membership_share_fee_ratio"`
}

// Open reports whether the season is the current open season.
func (s *Season) Open() bool { return s.EndAt == nil }

// Window returns the [From, To) blockTime bounds (epoch seconds) governing
// point queries for this season. Season 1 always starts at the epoch
// regardless of its stored StartAt; To is zero when the season is open.
func (s *Season) Window() SeasonWindow {
	w := SeasonWindow{}
	if s.Number != 1 {
		w.From = s.StartAt.Unix()
	}
	if s.EndAt != nil {
		w.To = s.EndAt.Unix()
	}
	return w
}

// SeasonWindow bounds a ledger aggregation by blockTime (epoch seconds).
// To == 0 means unbounded.
type SeasonWindow struct {
	From int64
	To   int64
}

// Contains reports whether blockTime t falls inside the window.
func (w SeasonWindow) Contains(t int64) bool {
	if t < w.From {
		return false
	}
	return w.To == 0 || t < w.To
}

// ReferralRecord maps a user to their referral code and to who referred
// them. ReferredBy is set at most once; referral edges never form a cycle.
type ReferralRecord struct {
	UserID       string     `json:"user_id" db:"user_id"`
	ReferralCode string     `json:"referral_code" db:"referral_code"`
	ReferredBy   string     `json:"referred_by,omitempty" db:"referred_by"`
	GeneratedAt  time.Time  `json:"generated_at" db:"generated_at"`
	AppliedAt    *time.Time `json:"applied_at,omitempty" db:"applied_at"`
}

// BatchResult reports the outcome of one calculation batch write.
type BatchResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// MaxPageSize caps pagination size for every listing query.
const MaxPageSize = 100

// NormalizePage clamps page/size to valid bounds and returns the zero-based
// skip index: page >= 1, size in [1, MaxPageSize], skip = size*(page-1).
func NormalizePage(page, size int) (p, s, skip int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size, size * (page - 1)
}

// Page is one page of a listing query.
type Page[T any] struct {
	Items       []T   `json:"items"`
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	Size        int   `json:"size"`
	Pages       int   `json:"pages"`
	HasNext     bool  `json:"has_next"`
	HasPrevious bool  `json:"has_previous"`
}

// NewPage assembles a Page from one slice of items plus the unpaginated
// total.
func NewPage[T any](items []T, total int64, page, size int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if total > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return Page[T]{
		Items:       items,
		Total:       total,
		CurrentPage: page,
		Size:        size,
		Pages:       pages,
		HasNext:     pages > page,
		HasPrevious: page > 1,
	}
}
