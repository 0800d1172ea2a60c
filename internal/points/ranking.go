package points

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
	"github.com/quaimark/referral-service/internal/season"
	"github.com/quaimark/referral-service/internal/store"
)

// NoRank is the sentinel returned when a user has no in-window entries.
// The engine uses 0 consistently for every ranking query.
const NoRank = 0

// SeasonSelector picks the season whose window bounds an aggregation.
// Number == 0 selects the current season (creating one when none is open).
type SeasonSelector struct {
	Number int64
}

// RankBy selects the metric referralStats ranks referrers on.
type RankBy string

const (
	RankByReferrals  RankBy = "referrals"
	RankByPoints     RankBy = "points"
	RankByTrades     RankBy = "trades"
	RankByActiveRefs RankBy = "active"
)

// UserRankResult is one user's season standing.
type UserRankResult struct {
	Rank            int64           `json:"rank"`
	SeasonPoint     decimal.Decimal `json:"season_point"`
	TradePoint      decimal.Decimal `json:"trade_point"`
	RefPoint        decimal.Decimal `json:"ref_point"`
	CollectionBonus decimal.Decimal `json:"collection_bonus"`
}

// LeaderboardRow is one row of the season leaderboard.
type LeaderboardRow struct {
	Rank int64 `json:"rank"`
	model.UserPointAgg
}

// ReferralLeaderRow is one row of the by-referral-count leaderboard.
type ReferralLeaderRow struct {
	User            string          `json:"user"`
	RefCode         string          `json:"ref_code"`
	Count           int64           `json:"count"`
	Total           decimal.Decimal `json:"total"`
	TradeCount      int64           `json:"trade_count"`
	ActiveReferrals int64           `json:"active_referrals"`
}

// ReferralStatsResult is one referrer's standing among all referrers.
type ReferralStatsResult struct {
	Total            decimal.Decimal `json:"total"`
	Rank             int64           `json:"rank"`
	TradeCount       int64           `json:"trade_count"`
	ActiveDirectRefs int64           `json:"direct_referrals_with_activity"`
	AllDirectRefs    int64           `json:"all_direct_referrals"`
}

// HistoryItem is one ledger entry joined with its season.
type HistoryItem struct {
	model.PointEntry
	Season *model.Season `json:"season,omitempty"`
}

// Ranker computes season totals, ranks, leaderboards, and referral-tree
// statistics over the ledger. It only reads entries.
type Ranker struct {
	store   store.Store
	seasons *season.Resolver
}

// NewRanker creates a ranking engine.
func NewRanker(st store.Store, seasons *season.Resolver) *Ranker {
	return &Ranker{store: st, seasons: seasons}
}

// resolveWindow turns a season selector into blockTime bounds.
func (r *Ranker) resolveWindow(ctx context.Context, sel SeasonSelector) (*model.Season, model.SeasonWindow, error) {
	var (
		s   *model.Season
		err error
	)
	if sel.Number > 0 {
		s, err = r.seasons.ByNumber(ctx, sel.Number)
	} else {
		s, err = r.seasons.CurrentOrCreate(ctx)
	}
	if err != nil {
		return nil, model.SeasonWindow{}, fmt.Errorf("resolve season: %w", err)
	}
	return s, s.Window(), nil
}

// UserTotal sums a user's points inside the season window. A user with no
// entries totals zero; "no data" is not a failure mode.
func (r *Ranker) UserTotal(ctx context.Context, userID string, sel SeasonSelector, chain string) (decimal.Decimal, error) {
	_, w, err := r.resolveWindow(ctx, sel)
	if err != nil {
		return decimal.Zero, err
	}
	return r.store.SumUserPoints(ctx, userID, w, chain)
}

// UserRank returns the user's dense rank and per-source breakdown inside
// the season window. Users with no in-window entries get rank NoRank and
// zero totals. The rank agrees with TopLeaderboard's unpaginated ordering.
func (r *Ranker) UserRank(ctx context.Context, userID string, sel SeasonSelector, chain string) (UserRankResult, error) {
	zero := UserRankResult{
		Rank:            NoRank,
		SeasonPoint:     decimal.Zero,
		TradePoint:      decimal.Zero,
		RefPoint:        decimal.Zero,
		CollectionBonus: decimal.Zero,
	}

	_, w, err := r.resolveWindow(ctx, sel)
	if err != nil {
		return zero, err
	}

	n, err := r.store.CountUserEntries(ctx, userID, w, chain)
	if err != nil {
		return zero, err
	}
	if n == 0 {
		return zero, nil
	}

	rows, err := r.store.GroupPointsByUser(ctx, w, chain)
	if err != nil {
		return zero, err
	}
	for i, row := range rows {
		if row.User != userID {
			continue
		}
		return UserRankResult{
			Rank:            denseRank(rows, i),
			SeasonPoint:     row.SeasonPoint,
			TradePoint:      row.TradePoint,
			RefPoint:        row.RefPoint,
			CollectionBonus: row.CollectionBonus,
		}, nil
	}
	return zero, nil
}

// TopLeaderboard pages the season leaderboard, sorted by season point
// descending with dense ranks (ties share a rank).
func (r *Ranker) TopLeaderboard(ctx context.Context, sel SeasonSelector, chain string, page, size int) (model.Page[LeaderboardRow], error) {
	page, size, skip := model.NormalizePage(page, size)

	_, w, err := r.resolveWindow(ctx, sel)
	if err != nil {
		return model.Page[LeaderboardRow]{}, err
	}
	rows, err := r.store.GroupPointsByUser(ctx, w, chain)
	if err != nil {
		return model.Page[LeaderboardRow]{}, err
	}

	ranked := make([]LeaderboardRow, len(rows))
	for i, row := range rows {
		ranked[i] = LeaderboardRow{Rank: denseRank(rows, i), UserPointAgg: row}
	}

	total := int64(len(ranked))
	if skip >= len(ranked) {
		ranked = nil
	} else {
		ranked = ranked[skip:]
		if size < len(ranked) {
			ranked = ranked[:size]
		}
	}
	return model.NewPage(ranked, total, page, size), nil
}

// UserHistory pages a user's ledger entries, newest first, each joined with
// its season record.
func (r *Ranker) UserHistory(ctx context.Context, userID string, f model.HistoryFilter, page, size int) (model.Page[HistoryItem], error) {
	page, size, skip := model.NormalizePage(page, size)

	entries, total, err := r.store.ListUserEntries(ctx, userID, f, skip, size)
	if err != nil {
		return model.Page[HistoryItem]{}, err
	}

	seasons := make(map[int64]*model.Season)
	items := make([]HistoryItem, len(entries))
	for i, e := range entries {
		item := HistoryItem{PointEntry: e}
		if e.SeasonNumber > 0 {
			s, ok := seasons[e.SeasonNumber]
			if !ok {
				s, err = r.seasons.ByNumber(ctx, e.SeasonNumber)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return model.Page[HistoryItem]{}, err
				}
				seasons[e.SeasonNumber] = s
			}
			item.Season = s
		}
		items[i] = item
	}
	return model.NewPage(items, total, page, size), nil
}

// TopByReferralCount pages referrers sorted by direct referral count, then
// by the points driven through their referrals.
func (r *Ranker) TopByReferralCount(ctx context.Context, page, size int, chain string) (model.Page[ReferralLeaderRow], error) {
	page, size, skip := model.NormalizePage(page, size)

	aggs, err := r.store.GroupReferrers(ctx, 0, chain)
	if err != nil {
		return model.Page[ReferralLeaderRow]{}, err
	}

	rows := make([]ReferralLeaderRow, len(aggs))
	for i, a := range aggs {
		rows[i] = ReferralLeaderRow{
			User:            a.User,
			RefCode:         a.RefCode,
			Count:           a.DirectReferrals,
			Total:           a.TotalPoint,
			TradeCount:      a.TradeCount,
			ActiveReferrals: a.ActiveReferrals,
		}
	}

	total := int64(len(rows))
	if skip >= len(rows) {
		rows = nil
	} else {
		rows = rows[skip:]
		if size < len(rows) {
			rows = rows[:size]
		}
	}
	return model.NewPage(rows, total, page, size), nil
}

// ReferralStats returns the user's own referrer standing as of a timestamp,
// dense-ranked among all referrers by the chosen metric. A user who referred
// nobody gets a zero-valued result, never an error.
func (r *Ranker) ReferralStats(ctx context.Context, userID string, rankBy RankBy, asOf time.Time, chain string) (ReferralStatsResult, error) {
	res := ReferralStatsResult{Total: decimal.Zero, Rank: NoRank}

	rec, err := r.store.GetReferral(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	var asOfUnix int64
	if !asOf.IsZero() {
		asOfUnix = asOf.Unix()
	}
	aggs, err := r.store.GroupReferrers(ctx, asOfUnix, chain)
	if err != nil {
		return res, err
	}

	metric := func(a model.ReferrerAgg) decimal.Decimal {
		switch rankBy {
		case RankByPoints:
			return a.TotalPoint
		case RankByTrades:
			return decimal.NewFromInt(a.TradeCount)
		case RankByActiveRefs:
			return decimal.NewFromInt(a.ActiveReferrals)
		default:
			return decimal.NewFromInt(a.DirectReferrals)
		}
	}

	sortByMetric(aggs, metric)

	for i, a := range aggs {
		if a.RefCode != rec.ReferralCode {
			continue
		}
		rank := int64(1)
		for j := 1; j <= i; j++ {
			if !metric(aggs[j]).Equal(metric(aggs[j-1])) {
				rank++
			}
		}
		return ReferralStatsResult{
			Total:            a.TotalPoint,
			Rank:             rank,
			TradeCount:       a.TradeCount,
			ActiveDirectRefs: a.ActiveReferrals,
			AllDirectRefs:    a.DirectReferrals,
		}, nil
	}
	return res, nil
}

// ActiveUsersSince lists distinct users with ledger activity at or after
// since. Used for the active-user gauge.
func (r *Ranker) ActiveUsersSince(ctx context.Context, since time.Time) ([]string, error) {
	return r.store.DistinctUsersSince(ctx, since.Unix())
}

// denseRank computes the dense rank of rows[i] given rows sorted by
// SeasonPoint descending: tied values share a rank, the next distinct
// value's rank follows without gaps.
func denseRank(rows []model.UserPointAgg, i int) int64 {
	rank := int64(1)
	for j := 1; j <= i; j++ {
		if !rows[j].SeasonPoint.Equal(rows[j-1].SeasonPoint) {
			rank++
		}
	}
	return rank
}

// sortByMetric orders referrer aggregates by the metric descending, ties
// broken by user id ascending so ranks are stable across calls.
func sortByMetric(aggs []model.ReferrerAgg, metric func(model.ReferrerAgg) decimal.Decimal) {
	sort.SliceStable(aggs, func(i, j int) bool {
		mi, mj := metric(aggs[i]), metric(aggs[j])
		if !mi.Equal(mj) {
			return mi.GreaterThan(mj)
		}
		return aggs[i].User < aggs[j].User
	})
}
