package model

import "github.com/shopspring/decimal"

// UserPointAgg is one user's grouped point totals inside a season window.
// SeasonPoint is the sum of entry totals; the remaining fields break the
// same window down by source type.
type UserPointAgg struct {
	User            string          `json:"user"`
	SeasonPoint     decimal.Decimal `json:"season_point"`
	TradePoint      decimal.Decimal `json:"trading_point"`  // buy_volume + sell_volume
	RefPoint        decimal.Decimal `json:"referral_point"` // referral + apply_referral
	CollectionBonus decimal.Decimal `json:"collection_bonus"`
}

// ReferrerAgg aggregates one referrer's direct referral tree: how many users
// their code referred, how many of those generated attributed entries, and
// the commission volume driven through them.
type ReferrerAgg struct {
	User            string          `json:"user"`
	RefCode         string          `json:"ref_code"`
	DirectReferrals int64           `json:"direct_referrals"`
	ActiveReferrals int64           `json:"active_referrals"`
	TradeCount      int64           `json:"trade_count"`
	TotalPoint      decimal.Decimal `json:"total_point"`
}

// ReferredUserAgg is one referred user's activity as seen from their
// referrer: attributed point total and the time of the latest attributed
// entry (zero when none).
type ReferredUserAgg struct {
	UserID       string          `json:"user_id"`
	Point        decimal.Decimal `json:"point"`
	LastActivity int64           `json:"last_activity,omitempty"`
	AppliedAt    int64           `json:"applied_at,omitempty"`
}

// HistoryFilter restricts a user's ledger history listing.
type HistoryFilter struct {
	Chain  string
	Window SeasonWindow
}
