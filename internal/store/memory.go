package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	referrals map[string]*model.ReferralRecord // by user id
	byCode    map[string]string                // referral code -> user id
	seasons   map[int64]*model.Season
	ledger    map[ledgerKey]*model.PointEntry
}

type ledgerKey struct {
	user      string
	txHash    string
	chain     string
	historyID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		referrals: make(map[string]*model.ReferralRecord),
		byCode:    make(map[string]string),
		seasons:   make(map[int64]*model.Season),
		ledger:    make(map[ledgerKey]*model.PointEntry),
	}
}

// --- Referral directory ---

func (s *MemoryStore) GetReferral(_ context.Context, userID string) (*model.ReferralRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.referrals[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetReferralByCode(_ context.Context, code string) (*model.ReferralRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.referrals[userID]
	return &cp, nil
}

func (s *MemoryStore) EnsureReferralCode(_ context.Context, userID, code string, now time.Time) (*model.ReferralRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[userID]
	if !ok {
		r = &model.ReferralRecord{UserID: userID, GeneratedAt: now}
		s.referrals[userID] = r
	}
	if r.ReferralCode == "" {
		r.ReferralCode = code
		s.byCode[code] = userID
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SetReferredBy(_ context.Context, userID, code string, now time.Time) (*model.ReferralRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[userID]
	if !ok {
		return nil, ErrNotFound
	}
	// First write wins; the field is immutable after that.
	if r.ReferredBy == "" {
		r.ReferredBy = code
		r.AppliedAt = &now
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CountReferrals(_ context.Context, code string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.referrals {
		if r.ReferredBy == code {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReferralDirectorySize(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.referrals)), nil
}

func (s *MemoryStore) GroupReferrers(_ context.Context, asOf int64, chain string) ([]model.ReferrerAgg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// First level: (referrer code, referred user) pairs from the directory.
	referredBy := make(map[string][]*model.ReferralRecord)
	for _, r := range s.referrals {
		if r.ReferredBy == "" {
			continue
		}
		if asOf > 0 && r.AppliedAt != nil && r.AppliedAt.Unix() > asOf {
			continue
		}
		referredBy[r.ReferredBy] = append(referredBy[r.ReferredBy], r)
	}

	// Attributed sponsor-side entries grouped by (referrer user, buyer).
	type pairAgg struct {
		trades int64
		point  decimal.Decimal
	}
	pairs := make(map[string]map[string]*pairAgg) // referrer user -> buyer -> agg
	for _, e := range s.ledger {
		if e.Ref == "" {
			continue
		}
		if chain != "" && e.Chain != chain {
			continue
		}
		if asOf > 0 && e.BlockTime > asOf {
			continue
		}
		buyers, ok := pairs[e.User]
		if !ok {
			buyers = make(map[string]*pairAgg)
			pairs[e.User] = buyers
		}
		pa, ok := buyers[e.Ref]
		if !ok {
			pa = &pairAgg{}
			buyers[e.Ref] = pa
		}
		pa.trades++
		pa.point = pa.point.Add(e.Point)
	}

	// Second level: roll pairs up per referrer.
	var aggs []model.ReferrerAgg
	for code, referred := range referredBy {
		referrerID, ok := s.byCode[code]
		if !ok {
			continue
		}
		agg := model.ReferrerAgg{
			User:            referrerID,
			RefCode:         code,
			DirectReferrals: int64(len(referred)),
		}
		for _, pa := range pairs[referrerID] {
			agg.ActiveReferrals++
			agg.TradeCount += pa.trades
			agg.TotalPoint = agg.TotalPoint.Add(pa.point)
		}
		aggs = append(aggs, agg)
	}

	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].DirectReferrals != aggs[j].DirectReferrals {
			return aggs[i].DirectReferrals > aggs[j].DirectReferrals
		}
		if !aggs[i].TotalPoint.Equal(aggs[j].TotalPoint) {
			return aggs[i].TotalPoint.GreaterThan(aggs[j].TotalPoint)
		}
		return aggs[i].User < aggs[j].User
	})
	return aggs, nil
}

func (s *MemoryStore) ListReferredUsers(_ context.Context, code string, skip, limit int) ([]model.ReferredUserAgg, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	referrerID := s.byCode[code]

	var rows []model.ReferredUserAgg
	for _, r := range s.referrals {
		if r.ReferredBy != code {
			continue
		}
		row := model.ReferredUserAgg{UserID: r.UserID}
		if r.AppliedAt != nil {
			row.AppliedAt = r.AppliedAt.Unix()
		}
		for _, e := range s.ledger {
			if e.User == referrerID && e.Ref == r.UserID {
				row.Point = row.Point.Add(e.Point)
				if e.BlockTime > row.LastActivity {
					row.LastActivity = e.BlockTime
				}
			}
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Point.Equal(rows[j].Point) {
			return rows[i].Point.GreaterThan(rows[j].Point)
		}
		return rows[i].UserID < rows[j].UserID
	})

	total := int64(len(rows))
	rows = paginate(rows, skip, limit)
	return rows, total, nil
}

// --- Seasons ---

func (s *MemoryStore) GetSeasonByNumber(_ context.Context, number int64) (*model.Season, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	season, ok := s.seasons[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *season
	return &cp, nil
}

func (s *MemoryStore) GetSeasonByTime(_ context.Context, t time.Time) (*model.Season, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, season := range s.seasons {
		if season.StartAt.After(t) {
			continue
		}
		if season.EndAt == nil || season.EndAt.After(t) {
			cp := *season
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetOpenSeason(_ context.Context) (*model.Season, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, season := range s.seasons {
		if season.EndAt == nil {
			cp := *season
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetLatestSeason(ctx context.Context) (*model.Season, error) {
	return s.seasonByStart(func(a, b *model.Season) bool { return a.StartAt.After(b.StartAt) })
}

func (s *MemoryStore) GetFirstSeason(ctx context.Context) (*model.Season, error) {
	return s.seasonByStart(func(a, b *model.Season) bool { return a.StartAt.Before(b.StartAt) })
}

func (s *MemoryStore) seasonByStart(better func(a, b *model.Season) bool) (*model.Season, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Season
	for _, season := range s.seasons {
		if best == nil || better(season, best) {
			best = season
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) InsertSeason(_ context.Context, season *model.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seasons[season.Number]; exists {
		return fmt.Errorf("season %d already exists", season.Number)
	}
	cp := *season
	s.seasons[season.Number] = &cp
	return nil
}

func (s *MemoryStore) CloseSeason(_ context.Context, number int64, endAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	season, ok := s.seasons[number]
	if !ok {
		return ErrNotFound
	}
	end := endAt
	season.EndAt = &end
	return nil
}

// --- Point ledger ---

func (s *MemoryStore) UpsertPointEntries(_ context.Context, entries []model.PointEntry, supersedeHistoryID string) (model.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res model.BatchResult

	if supersedeHistoryID != "" {
		for _, e := range entries {
			for k, old := range s.ledger {
				if old.TxHash != e.TxHash || old.Chain != e.Chain {
					continue
				}
				if old.ExternalHistoryID != supersedeHistoryID {
					delete(s.ledger, k)
					res.Deleted++
				}
			}
		}
	}

	for i := range entries {
		e := entries[i]
		k := ledgerKey{user: e.User, txHash: e.TxHash, chain: e.Chain, historyID: e.ExternalHistoryID}
		if _, exists := s.ledger[k]; exists {
			res.Updated++
		} else {
			res.Inserted++
		}
		s.ledger[k] = &e
	}
	return res, nil
}

func (s *MemoryStore) SumUserPoints(_ context.Context, userID string, w model.SeasonWindow, chain string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, e := range s.ledger {
		if e.User != userID || !w.Contains(e.BlockTime) {
			continue
		}
		if chain != "" && e.Chain != chain {
			continue
		}
		total = total.Add(e.Point)
	}
	return total, nil
}

func (s *MemoryStore) CountUserEntries(_ context.Context, userID string, w model.SeasonWindow, chain string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.ledger {
		if e.User != userID || !w.Contains(e.BlockTime) {
			continue
		}
		if chain != "" && e.Chain != chain {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) GroupPointsByUser(_ context.Context, w model.SeasonWindow, chain string) ([]model.UserPointAgg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[string]*model.UserPointAgg)
	for _, e := range s.ledger {
		if !w.Contains(e.BlockTime) {
			continue
		}
		if chain != "" && e.Chain != chain {
			continue
		}
		ua, ok := agg[e.User]
		if !ok {
			ua = &model.UserPointAgg{User: e.User}
			agg[e.User] = ua
		}
		ua.SeasonPoint = ua.SeasonPoint.Add(e.Point)
		for _, src := range e.Source {
			switch src.Type {
			case model.SourceBuyVolume, model.SourceSellVolume:
				ua.TradePoint = ua.TradePoint.Add(src.Point)
			case model.SourceReferral, model.SourceApplyReferral:
				ua.RefPoint = ua.RefPoint.Add(src.Point)
			case model.SourcePlus:
				ua.CollectionBonus = ua.CollectionBonus.Add(src.Point)
			}
		}
	}

	rows := make([]model.UserPointAgg, 0, len(agg))
	for _, ua := range agg {
		rows = append(rows, *ua)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].SeasonPoint.Equal(rows[j].SeasonPoint) {
			return rows[i].SeasonPoint.GreaterThan(rows[j].SeasonPoint)
		}
		return rows[i].User < rows[j].User
	})
	return rows, nil
}

func (s *MemoryStore) ListUserEntries(_ context.Context, userID string, f model.HistoryFilter, skip, limit int) ([]model.PointEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []model.PointEntry
	for _, e := range s.ledger {
		if e.User != userID {
			continue
		}
		if f.Chain != "" && e.Chain != f.Chain {
			continue
		}
		if (f.Window != model.SeasonWindow{}) && !f.Window.Contains(e.BlockTime) {
			continue
		}
		rows = append(rows, *e)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].BlockTime != rows[j].BlockTime {
			return rows[i].BlockTime > rows[j].BlockTime
		}
		return rows[i].TxHash > rows[j].TxHash
	})

	total := int64(len(rows))
	rows = paginate(rows, skip, limit)
	return rows, total, nil
}

func (s *MemoryStore) DistinctUsersSince(_ context.Context, since int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, e := range s.ledger {
		if e.BlockTime >= since {
			seen[e.User] = true
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func paginate[T any](rows []T, skip, limit int) []T {
	if skip >= len(rows) {
		return nil
	}
	rows = rows[skip:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
