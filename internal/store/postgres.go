package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All point values are stored as NUMERIC for exact decimal precision; the
// per-entry source breakdown is a JSONB array.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// pgErr classifies a pgx error into the store taxonomy.
func pgErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// --- Referral directory ---

const referralCols = `user_id, referral_code, COALESCE(referred_by, ''), generated_at, applied_at`

func scanReferral(row pgx.Row) (*model.ReferralRecord, error) {
	var r model.ReferralRecord
	err := row.Scan(&r.UserID, &r.ReferralCode, &r.ReferredBy, &r.GeneratedAt, &r.AppliedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetReferral(ctx context.Context, userID string) (*model.ReferralRecord, error) {
	r, err := scanReferral(s.pool.QueryRow(ctx,
		`SELECT `+referralCols+` FROM referral_info WHERE user_id = $1`, userID))
	if err != nil {
		return nil, pgErr("get referral", err)
	}
	return r, nil
}

func (s *PostgresStore) GetReferralByCode(ctx context.Context, code string) (*model.ReferralRecord, error) {
	r, err := scanReferral(s.pool.QueryRow(ctx,
		`SELECT `+referralCols+` FROM referral_info WHERE referral_code = $1`, code))
	if err != nil {
		return nil, pgErr("get referral by code", err)
	}
	return r, nil
}

func (s *PostgresStore) EnsureReferralCode(ctx context.Context, userID, code string, now time.Time) (*model.ReferralRecord, error) {
	r, err := scanReferral(s.pool.QueryRow(ctx,
		`INSERT INTO referral_info (user_id, referral_code, generated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET referral_code = CASE
		     WHEN referral_info.referral_code IS NULL OR referral_info.referral_code = ''
		     THEN EXCLUDED.referral_code
		     ELSE referral_info.referral_code
		 END
		 RETURNING `+referralCols, userID, code, now))
	if err != nil {
		return nil, pgErr("ensure referral code", err)
	}
	return r, nil
}

func (s *PostgresStore) SetReferredBy(ctx context.Context, userID, code string, now time.Time) (*model.ReferralRecord, error) {
	// First write wins: the update only lands when referred_by is unset.
	r, err := scanReferral(s.pool.QueryRow(ctx,
		`UPDATE referral_info
		 SET referred_by = $2, applied_at = $3
		 WHERE user_id = $1 AND (referred_by IS NULL OR referred_by = '')
		 RETURNING `+referralCols, userID, code, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetReferral(ctx, userID)
	}
	if err != nil {
		return nil, pgErr("set referredBy", err)
	}
	return r, nil
}

func (s *PostgresStore) CountReferrals(ctx context.Context, code string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM referral_info WHERE referred_by = $1`, code).Scan(&n)
	if err != nil {
		return 0, pgErr("count referrals", err)
	}
	return n, nil
}

func (s *PostgresStore) ReferralDirectorySize(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM referral_info`).Scan(&n)
	if err != nil {
		return 0, pgErr("directory size", err)
	}
	return n, nil
}

func (s *PostgresStore) GroupReferrers(ctx context.Context, asOf int64, chain string) ([]model.ReferrerAgg, error) {
	rows, err := s.pool.Query(ctx,
		`WITH pairs AS (
		     SELECT user_id AS referrer, ref AS referred,
		            COUNT(*) AS trades, SUM(point) AS point
		     FROM point_ledger
		     WHERE ref <> ''
		       AND ($1::BIGINT = 0 OR block_time <= $1)
		       AND ($2 = '' OR chain = $2)
		     GROUP BY user_id, ref
		 ), rollup AS (
		     SELECT referrer, COUNT(*) AS active, SUM(trades) AS trades, SUM(point) AS point
		     FROM pairs GROUP BY referrer
		 )
		 SELECT r.user_id, r.referral_code,
		        (SELECT COUNT(*) FROM referral_info d
		          WHERE d.referred_by = r.referral_code
		            AND ($1::BIGINT = 0 OR d.applied_at <= to_timestamp($1))) AS direct_referrals,
		        COALESCE(ru.active, 0),
		        COALESCE(ru.trades, 0),
		        COALESCE(ru.point, 0)::TEXT
		 FROM referral_info r
		 LEFT JOIN rollup ru ON ru.referrer = r.user_id
		 WHERE EXISTS (SELECT 1 FROM referral_info d WHERE d.referred_by = r.referral_code)
		 ORDER BY direct_referrals DESC, COALESCE(ru.point, 0) DESC, r.user_id`,
		asOf, chain)
	if err != nil {
		return nil, pgErr("group referrers", err)
	}
	defer rows.Close()

	var aggs []model.ReferrerAgg
	for rows.Next() {
		var a model.ReferrerAgg
		var pointS string
		if err := rows.Scan(&a.User, &a.RefCode, &a.DirectReferrals,
			&a.ActiveReferrals, &a.TradeCount, &pointS); err != nil {
			return nil, pgErr("scan referrer agg", err)
		}
		a.TotalPoint, _ = decimal.NewFromString(pointS)
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func (s *PostgresStore) ListReferredUsers(ctx context.Context, code string, skip, limit int) ([]model.ReferredUserAgg, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM referral_info WHERE referred_by = $1`, code).Scan(&total); err != nil {
		return nil, 0, pgErr("count referred", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT d.user_id,
		        COALESCE(SUM(l.point), 0)::TEXT,
		        COALESCE(MAX(l.block_time), 0),
		        COALESCE(EXTRACT(EPOCH FROM d.applied_at)::BIGINT, 0)
		 FROM referral_info d
		 JOIN referral_info r ON r.referral_code = d.referred_by
		 LEFT JOIN point_ledger l ON l.user_id = r.user_id AND l.ref = d.user_id
		 WHERE d.referred_by = $1
		 GROUP BY d.user_id, d.applied_at
		 ORDER BY COALESCE(SUM(l.point), 0) DESC, d.user_id
		 OFFSET $2 LIMIT $3`, code, skip, limit)
	if err != nil {
		return nil, 0, pgErr("list referred", err)
	}
	defer rows.Close()

	var out []model.ReferredUserAgg
	for rows.Next() {
		var r model.ReferredUserAgg
		var pointS string
		if err := rows.Scan(&r.UserID, &pointS, &r.LastActivity, &r.AppliedAt); err != nil {
			return nil, 0, pgErr("scan referred", err)
		}
		r.Point, _ = decimal.NewFromString(pointS)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// --- Seasons ---

const seasonCols = `season_number, COALESCE(name, ''), start_at, end_at,
	point_trade_volume_ratio::TEXT, membership_plus_volume_ratio::TEXT,
	ref_trade_point_ratio::TEXT, sponsor_trade_point_ratio::TEXT,
	membership_share_fee_ratio::TEXT`

func scanSeason(row pgx.Row) (*model.Season, error) {
	var m model.Season
	var r1, r2, r3, r4, r5 string
	err := row.Scan(&m.Number, &m.Name, &m.StartAt, &m.EndAt, &r1, &r2, &r3, &r4, &r5)
	if err != nil {
		return nil, err
	}
	m.PointTradeVolumeRatio, _ = decimal.NewFromString(r1)
	m.MembershipPlusVolumeRatio, _ = decimal.NewFromString(r2)
	m.RefTradePointRatio, _ = decimal.NewFromString(r3)
	m.SponsorTradePointRatio, _ = decimal.NewFromString(r4)
	m.MembershipShareFeeRatio, _ = decimal.NewFromString(r5)
	return &m, nil
}

func (s *PostgresStore) GetSeasonByNumber(ctx context.Context, number int64) (*model.Season, error) {
	m, err := scanSeason(s.pool.QueryRow(ctx,
		`SELECT `+seasonCols+` FROM seasons WHERE season_number = $1`, number))
	if err != nil {
		return nil, pgErr("get season", err)
	}
	return m, nil
}

func (s *PostgresStore) GetSeasonByTime(ctx context.Context, t time.Time) (*model.Season, error) {
	m, err := scanSeason(s.pool.QueryRow(ctx,
		`SELECT `+seasonCols+` FROM seasons
		 WHERE start_at <= $1 AND (end_at IS NULL OR end_at > $1)
		 ORDER BY start_at DESC LIMIT 1`, t))
	if err != nil {
		return nil, pgErr("get season by time", err)
	}
	return m, nil
}

func (s *PostgresStore) GetOpenSeason(ctx context.Context) (*model.Season, error) {
	m, err := scanSeason(s.pool.QueryRow(ctx,
		`SELECT `+seasonCols+` FROM seasons WHERE end_at IS NULL LIMIT 1`))
	if err != nil {
		return nil, pgErr("get open season", err)
	}
	return m, nil
}

func (s *PostgresStore) GetLatestSeason(ctx context.Context) (*model.Season, error) {
	m, err := scanSeason(s.pool.QueryRow(ctx,
		`SELECT `+seasonCols+` FROM seasons ORDER BY start_at DESC LIMIT 1`))
	if err != nil {
		return nil, pgErr("get latest season", err)
	}
	return m, nil
}

func (s *PostgresStore) GetFirstSeason(ctx context.Context) (*model.Season, error) {
	m, err := scanSeason(s.pool.QueryRow(ctx,
		`SELECT `+seasonCols+` FROM seasons ORDER BY start_at ASC LIMIT 1`))
	if err != nil {
		return nil, pgErr("get first season", err)
	}
	return m, nil
}

func (s *PostgresStore) InsertSeason(ctx context.Context, m *model.Season) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO seasons (season_number, name, start_at, end_at,
		     point_trade_volume_ratio, membership_plus_volume_ratio,
		     ref_trade_point_ratio, sponsor_trade_point_ratio,
		     membership_share_fee_ratio)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC)`,
		m.Number, m.Name, m.StartAt, m.EndAt,
		m.PointTradeVolumeRatio.String(), m.MembershipPlusVolumeRatio.String(),
		m.RefTradePointRatio.String(), m.SponsorTradePointRatio.String(),
		m.MembershipShareFeeRatio.String(),
	)
	if err != nil {
		return pgErr("insert season", err)
	}
	return nil
}

func (s *PostgresStore) CloseSeason(ctx context.Context, number int64, endAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE seasons SET end_at = $2 WHERE season_number = $1 AND end_at IS NULL`,
		number, endAt)
	if err != nil {
		return pgErr("close season", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Point ledger ---

const entryCols = `id, user_id, tx_hash, block, block_time, point::TEXT, source,
	volume::TEXT, fee::TEXT, chain, COALESCE(ref, ''), season_number,
	COALESCE(external_history_id, ''), created_at`

func scanEntry(row pgx.Row) (*model.PointEntry, error) {
	var e model.PointEntry
	var pointS, volumeS, feeS string
	var sourceJSON []byte
	err := row.Scan(&e.ID, &e.User, &e.TxHash, &e.Block, &e.BlockTime,
		&pointS, &sourceJSON, &volumeS, &feeS, &e.Chain, &e.Ref,
		&e.SeasonNumber, &e.ExternalHistoryID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Point, _ = decimal.NewFromString(pointS)
	e.Volume, _ = decimal.NewFromString(volumeS)
	e.Fee, _ = decimal.NewFromString(feeS)
	if err := json.Unmarshal(sourceJSON, &e.Source); err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) UpsertPointEntries(ctx context.Context, entries []model.PointEntry, supersedeHistoryID string) (model.BatchResult, error) {
	var res model.BatchResult
	if len(entries) == 0 {
		return res, nil
	}

	if supersedeHistoryID != "" {
		// Supersede: drop stale calculations of the same trades, meaning
		// any entry carrying no history id or a different one. Entries
		// with this same id stay and take the upsert's update path.
		for _, e := range entries {
			tag, err := s.pool.Exec(ctx,
				`DELETE FROM point_ledger
				 WHERE tx_hash = $1 AND chain = $2
				   AND (external_history_id IS NULL OR external_history_id <> $3)`,
				e.TxHash, e.Chain, supersedeHistoryID)
			if err != nil {
				return res, pgErr("supersede entries", err)
			}
			res.Deleted += int(tag.RowsAffected())
		}
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		sourceJSON, err := json.Marshal(e.Source)
		if err != nil {
			return res, fmt.Errorf("encode source: %w", err)
		}
		batch.Queue(
			`INSERT INTO point_ledger (id, user_id, tx_hash, block, block_time, point,
			     source, volume, fee, chain, ref, season_number, external_history_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14)
			 ON CONFLICT (user_id, tx_hash, chain, external_history_id) DO UPDATE
			 SET block = EXCLUDED.block, block_time = EXCLUDED.block_time,
			     point = EXCLUDED.point, source = EXCLUDED.source,
			     volume = EXCLUDED.volume, fee = EXCLUDED.fee,
			     ref = EXCLUDED.ref, season_number = EXCLUDED.season_number
			 RETURNING (xmax = 0) AS inserted`,
			e.ID, e.User, e.TxHash, e.Block, e.BlockTime, e.Point.String(),
			sourceJSON, e.Volume.String(), e.Fee.String(), e.Chain, e.Ref,
			e.SeasonNumber, e.ExternalHistoryID, e.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var failures []EntryFailure
	for _, e := range entries {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			failures = append(failures, EntryFailure{
				User: e.User, TxHash: e.TxHash, Chain: e.Chain, Err: err,
			})
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if len(failures) > 0 {
		if res.Inserted+res.Updated == 0 {
			return res, pgErr("upsert batch", failures[0].Err)
		}
		return res, &PartialBatchError{Result: res, Failures: failures}
	}
	return res, nil
}

func (s *PostgresStore) SumUserPoints(ctx context.Context, userID string, w model.SeasonWindow, chain string) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(point), 0)::TEXT FROM point_ledger
		 WHERE user_id = $1 AND block_time >= $2
		   AND ($3::BIGINT = 0 OR block_time < $3)
		   AND ($4 = '' OR chain = $4)`,
		userID, w.From, w.To, chain).Scan(&totalS)
	if err != nil {
		return decimal.Zero, pgErr("sum user points", err)
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

func (s *PostgresStore) CountUserEntries(ctx context.Context, userID string, w model.SeasonWindow, chain string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM point_ledger
		 WHERE user_id = $1 AND block_time >= $2
		   AND ($3::BIGINT = 0 OR block_time < $3)
		   AND ($4 = '' OR chain = $4)`,
		userID, w.From, w.To, chain).Scan(&n)
	if err != nil {
		return 0, pgErr("count user entries", err)
	}
	return n, nil
}

func (s *PostgresStore) GroupPointsByUser(ctx context.Context, w model.SeasonWindow, chain string) ([]model.UserPointAgg, error) {
	// Per-entry source breakdown first, then roll up per user, so entry
	// totals are not multiplied by their source count.
	rows, err := s.pool.Query(ctx,
		`WITH src AS (
		     SELECT l.user_id, l.point,
		            COALESCE(SUM(CASE WHEN s.type IN ('buy_volume', 'sell_volume') THEN s.point ELSE 0 END), 0) AS trade_point,
		            COALESCE(SUM(CASE WHEN s.type IN ('referral', 'apply_referral') THEN s.point ELSE 0 END), 0) AS ref_point,
		            COALESCE(SUM(CASE WHEN s.type = 'plus' THEN s.point ELSE 0 END), 0) AS bonus
		     FROM point_ledger l
		     CROSS JOIN LATERAL jsonb_to_recordset(l.source) AS s(type TEXT, point NUMERIC)
		     WHERE l.block_time >= $1
		       AND ($2::BIGINT = 0 OR l.block_time < $2)
		       AND ($3 = '' OR l.chain = $3)
		     GROUP BY l.id, l.user_id, l.point
		 )
		 SELECT user_id,
		        SUM(point)::TEXT, SUM(trade_point)::TEXT,
		        SUM(ref_point)::TEXT, SUM(bonus)::TEXT
		 FROM src
		 GROUP BY user_id
		 ORDER BY SUM(point) DESC, user_id ASC`,
		w.From, w.To, chain)
	if err != nil {
		return nil, pgErr("group points by user", err)
	}
	defer rows.Close()

	var aggs []model.UserPointAgg
	for rows.Next() {
		var a model.UserPointAgg
		var seasonS, tradeS, refS, bonusS string
		if err := rows.Scan(&a.User, &seasonS, &tradeS, &refS, &bonusS); err != nil {
			return nil, pgErr("scan point agg", err)
		}
		a.SeasonPoint, _ = decimal.NewFromString(seasonS)
		a.TradePoint, _ = decimal.NewFromString(tradeS)
		a.RefPoint, _ = decimal.NewFromString(refS)
		a.CollectionBonus, _ = decimal.NewFromString(bonusS)
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func (s *PostgresStore) ListUserEntries(ctx context.Context, userID string, f model.HistoryFilter, skip, limit int) ([]model.PointEntry, int64, error) {
	where := `WHERE user_id = $1
		AND ($2 = '' OR chain = $2)
		AND block_time >= $3
		AND ($4::BIGINT = 0 OR block_time < $4)`
	args := []any{userID, f.Chain, f.Window.From, f.Window.To}

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM point_ledger `+where, args...).Scan(&total); err != nil {
		return nil, 0, pgErr("count history", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryCols+` FROM point_ledger `+where+`
		 ORDER BY block_time DESC, tx_hash DESC
		 OFFSET $5 LIMIT $6`, append(args, skip, limit)...)
	if err != nil {
		return nil, 0, pgErr("list history", err)
	}
	defer rows.Close()

	var entries []model.PointEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, pgErr("scan entry", err)
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

func (s *PostgresStore) DistinctUsersSince(ctx context.Context, since int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM point_ledger WHERE block_time >= $1 ORDER BY user_id`,
		since)
	if err != nil {
		return nil, pgErr("distinct users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, pgErr("scan user", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
