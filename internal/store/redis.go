package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Leaderboard aggregations
// use a short TTL; a rank may be stale by one trade, which is accepted.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Referral directory ---

func (s *CachedStore) GetReferral(ctx context.Context, userID string) (*model.ReferralRecord, error) {
	data, err := s.rdb.Get(ctx, referralKey(userID)).Bytes()
	if err == nil {
		var r model.ReferralRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetReferral(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheReferral(ctx, r)
	return r, nil
}

func (s *CachedStore) GetReferralByCode(ctx context.Context, code string) (*model.ReferralRecord, error) {
	userID, err := s.rdb.Get(ctx, codeKey(code)).Result()
	if err == nil {
		return s.GetReferral(ctx, userID)
	}

	r, err := s.primary.GetReferralByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.cacheReferral(ctx, r)
	return r, nil
}

func (s *CachedStore) EnsureReferralCode(ctx context.Context, userID, code string, now time.Time) (*model.ReferralRecord, error) {
	r, err := s.primary.EnsureReferralCode(ctx, userID, code, now)
	if err != nil {
		return nil, err
	}
	s.cacheReferral(ctx, r)
	return r, nil
}

func (s *CachedStore) SetReferredBy(ctx context.Context, userID, code string, now time.Time) (*model.ReferralRecord, error) {
	r, err := s.primary.SetReferredBy(ctx, userID, code, now)
	if err != nil {
		return nil, err
	}
	s.cacheReferral(ctx, r)
	return r, nil
}

func (s *CachedStore) CountReferrals(ctx context.Context, code string) (int64, error) {
	return s.primary.CountReferrals(ctx, code)
}

func (s *CachedStore) ReferralDirectorySize(ctx context.Context) (int64, error) {
	return s.primary.ReferralDirectorySize(ctx)
}

func (s *CachedStore) GroupReferrers(ctx context.Context, asOf int64, chain string) ([]model.ReferrerAgg, error) {
	return s.primary.GroupReferrers(ctx, asOf, chain)
}

func (s *CachedStore) ListReferredUsers(ctx context.Context, code string, skip, limit int) ([]model.ReferredUserAgg, int64, error) {
	return s.primary.ListReferredUsers(ctx, code, skip, limit)
}

// --- Seasons ---

func (s *CachedStore) GetSeasonByNumber(ctx context.Context, number int64) (*model.Season, error) {
	data, err := s.rdb.Get(ctx, seasonKey(number)).Bytes()
	if err == nil {
		var m model.Season
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetSeasonByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, seasonKey(number), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) GetSeasonByTime(ctx context.Context, t time.Time) (*model.Season, error) {
	return s.primary.GetSeasonByTime(ctx, t)
}

func (s *CachedStore) GetOpenSeason(ctx context.Context) (*model.Season, error) {
	return s.primary.GetOpenSeason(ctx)
}

func (s *CachedStore) GetLatestSeason(ctx context.Context) (*model.Season, error) {
	return s.primary.GetLatestSeason(ctx)
}

func (s *CachedStore) GetFirstSeason(ctx context.Context) (*model.Season, error) {
	return s.primary.GetFirstSeason(ctx)
}

func (s *CachedStore) InsertSeason(ctx context.Context, m *model.Season) error {
	if err := s.primary.InsertSeason(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, seasonKey(m.Number))
	return nil
}

func (s *CachedStore) CloseSeason(ctx context.Context, number int64, endAt time.Time) error {
	if err := s.primary.CloseSeason(ctx, number, endAt); err != nil {
		return err
	}
	s.rdb.Del(ctx, seasonKey(number))
	return nil
}

// --- Point ledger ---

func (s *CachedStore) UpsertPointEntries(ctx context.Context, entries []model.PointEntry, supersedeHistoryID string) (model.BatchResult, error) {
	res, err := s.primary.UpsertPointEntries(ctx, entries, supersedeHistoryID)
	if err != nil {
		return res, err
	}
	// Invalidate the leaderboard cache; next read re-populates.
	if keys, err := s.rdb.Keys(ctx, leaderboardPrefix+"*").Result(); err == nil && len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return res, nil
}

func (s *CachedStore) SumUserPoints(ctx context.Context, userID string, w model.SeasonWindow, chain string) (decimal.Decimal, error) {
	return s.primary.SumUserPoints(ctx, userID, w, chain)
}

func (s *CachedStore) CountUserEntries(ctx context.Context, userID string, w model.SeasonWindow, chain string) (int64, error) {
	return s.primary.CountUserEntries(ctx, userID, w, chain)
}

func (s *CachedStore) GroupPointsByUser(ctx context.Context, w model.SeasonWindow, chain string) ([]model.UserPointAgg, error) {
	key := leaderboardKey(w, chain)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var aggs []model.UserPointAgg
		if json.Unmarshal(data, &aggs) == nil {
			return aggs, nil
		}
	}

	aggs, err := s.primary.GroupPointsByUser(ctx, w, chain)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(aggs); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return aggs, nil
}

func (s *CachedStore) ListUserEntries(ctx context.Context, userID string, f model.HistoryFilter, skip, limit int) ([]model.PointEntry, int64, error) {
	return s.primary.ListUserEntries(ctx, userID, f, skip, limit)
}

func (s *CachedStore) DistinctUsersSince(ctx context.Context, since int64) ([]string, error) {
	return s.primary.DistinctUsersSince(ctx, since)
}

// --- Cache helpers ---

func (s *CachedStore) cacheReferral(ctx context.Context, r *model.ReferralRecord) {
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, referralKey(r.UserID), data, s.ttl)
	}
	if r.ReferralCode != "" {
		s.rdb.Set(ctx, codeKey(r.ReferralCode), r.UserID, s.ttl)
	}
}

const leaderboardPrefix = "leaderboard:"

func referralKey(userID string) string { return fmt.Sprintf("referral:%s", userID) }
func codeKey(code string) string       { return fmt.Sprintf("refcode:%s", code) }
func seasonKey(n int64) string         { return fmt.Sprintf("season:%d", n) }

func leaderboardKey(w model.SeasonWindow, chain string) string {
	return fmt.Sprintf("%s%d:%d:%s", leaderboardPrefix, w.From, w.To, chain)
}
