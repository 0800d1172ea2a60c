package points_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
	"github.com/quaimark/referral-service/internal/points"
	"github.com/quaimark/referral-service/internal/referral"
	"github.com/quaimark/referral-service/internal/season"
	"github.com/quaimark/referral-service/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	store   *store.MemoryStore
	dir     *referral.Directory
	seasons *season.Resolver
	calc    *points.Calculator
	ranker  *points.Ranker
}

func newEnv(t *testing.T, opts ...points.CalculatorOption) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	dir := referral.NewDirectory(ms)
	seasons := season.NewResolver(ms, season.Defaults{
		PointTradeVolumeRatio:     d(10),
		MembershipPlusVolumeRatio: d(0.1),
		RefTradePointRatio:        d(0.05),
		SponsorTradePointRatio:    d(0.1),
		MembershipShareFeeRatio:   d(0.1),
	})
	return &env{
		store:   ms,
		dir:     dir,
		seasons: seasons,
		calc:    points.NewCalculator(ms, dir, seasons, opts...),
		ranker:  points.NewRanker(ms, seasons),
	}
}

// bootstrap opens season 1 so block times resolve.
func (e *env) bootstrap(t *testing.T) *model.Season {
	t.Helper()
	s, err := e.seasons.CurrentOrCreate(context.Background())
	if err != nil {
		t.Fatalf("bootstrap season: %v", err)
	}
	return s
}

// refer attaches buyer under referrer's code.
func (e *env) refer(t *testing.T, buyer, referrer string) {
	t.Helper()
	ctx := context.Background()
	rec, err := e.dir.GetOrCreate(ctx, referrer)
	if err != nil {
		t.Fatalf("referrer record: %v", err)
	}
	if _, err := e.dir.Attach(ctx, buyer, rec.ReferralCode); err != nil {
		t.Fatalf("attach %s under %s: %v", buyer, referrer, err)
	}
}

func (e *env) entries(t *testing.T, user string) []model.PointEntry {
	t.Helper()
	rows, _, err := e.store.ListUserEntries(context.Background(), user, model.HistoryFilter{}, 0, 100)
	if err != nil {
		t.Fatalf("list entries for %s: %v", user, err)
	}
	return rows
}

func sourcePoint(t *testing.T, e model.PointEntry, typ model.SourceType) decimal.Decimal {
	t.Helper()
	for _, s := range e.Source {
		if s.Type == typ {
			return s.Point
		}
	}
	t.Fatalf("entry %s has no %s source: %+v", e.ID, typ, e.Source)
	return decimal.Zero
}

func baseEvent(txHash string) points.TradeEvent {
	return points.TradeEvent{
		Buyer:     "buyer",
		Seller:    "seller",
		Price:     d(100),
		TxHash:    txHash,
		Block:     12345,
		BlockTime: time.Now().Unix(),
		Chain:     "ethereum",
		Fee:       d(2.5),
	}
}

func TestCalculate_FullAwardBreakdown(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	e.refer(t, "buyer", "sponsor")

	ev := baseEvent("0xabc")
	ev.Membership = true
	ev.Referral = true
	ev.Sponsor = true

	res, err := e.calc.Calculate(context.Background(), ev, nil)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("inserted = %d, want 2 (buyer and sponsor)", res.Inserted)
	}

	buyer := e.entries(t, "buyer")
	if len(buyer) != 1 {
		t.Fatalf("buyer entries = %d, want 1", len(buyer))
	}
	be := buyer[0]
	if len(be.Source) != 3 {
		t.Fatalf("buyer sources = %d, want 3: %+v", len(be.Source), be.Source)
	}
	// price 100 * ratio 10 = 1000; membership 10%; referral discount 5%.
	if got := sourcePoint(t, be, model.SourceBuyVolume); !got.Equal(d(1000)) {
		t.Errorf("buy_volume = %s, want 1000", got)
	}
	if got := sourcePoint(t, be, model.SourceMembership); !got.Equal(d(100)) {
		t.Errorf("membership = %s, want 100", got)
	}
	if got := sourcePoint(t, be, model.SourceApplyReferral); !got.Equal(d(50)) {
		t.Errorf("apply_referral = %s, want 50", got)
	}
	if !be.Point.Equal(d(1150)) {
		t.Errorf("buyer total = %s, want 1150", be.Point)
	}
	if be.SeasonNumber != 1 {
		t.Errorf("season = %d, want 1", be.SeasonNumber)
	}

	sponsor := e.entries(t, "sponsor")
	if len(sponsor) != 1 {
		t.Fatalf("sponsor entries = %d, want 1", len(sponsor))
	}
	se := sponsor[0]
	if got := sourcePoint(t, se, model.SourceReferral); !got.Equal(d(100)) {
		t.Errorf("sponsor referral = %s, want 100", got)
	}
	if se.Ref != "buyer" {
		t.Errorf("sponsor entry ref = %q, want buyer", se.Ref)
	}
	if !se.Fee.Equal(ev.Fee) {
		t.Errorf("fee should be copied to the sponsor entry, got %s", se.Fee)
	}
}

func TestCalculate_PlainTrade(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)

	res, err := e.calc.Calculate(context.Background(), baseEvent("0xdef"), nil)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("inserted = %d, want 1", res.Inserted)
	}

	be := e.entries(t, "buyer")[0]
	if len(be.Source) != 1 || be.Source[0].Type != model.SourceBuyVolume {
		t.Fatalf("expected single buy_volume source, got %+v", be.Source)
	}
	if !be.Point.Equal(d(1000)) {
		t.Errorf("point = %s, want 1000", be.Point)
	}
}

func TestCalculate_ReferralFlagsWithoutReferrer(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)

	// Buyer was never referred: referral and sponsor flags are no-ops.
	ev := baseEvent("0x111")
	ev.Referral = true
	ev.Sponsor = true

	res, err := e.calc.Calculate(context.Background(), ev, nil)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if res.Inserted != 1 {
		t.Fatalf("inserted = %d, want buyer entry only", res.Inserted)
	}
	be := e.entries(t, "buyer")[0]
	if len(be.Source) != 1 {
		t.Errorf("expected no referral sources, got %+v", be.Source)
	}
}

func TestCalculate_SellerAward(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)

	ev := baseEvent("0x222")
	ev.AwardSeller = true

	res, err := e.calc.Calculate(context.Background(), ev, nil)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("inserted = %d, want buyer and seller", res.Inserted)
	}

	se := e.entries(t, "seller")[0]
	if got := sourcePoint(t, se, model.SourceSellVolume); !got.Equal(d(1000)) {
		t.Errorf("sell_volume = %s, want 1000", got)
	}
	if !se.Fee.Equal(ev.Fee) {
		t.Errorf("fee should be copied to the seller entry, got %s", se.Fee)
	}
}

func TestCalculate_WithoutDerivedFee(t *testing.T) {
	e := newEnv(t, points.WithoutDerivedFee())
	e.bootstrap(t)

	ev := baseEvent("0x333")
	ev.AwardSeller = true

	if _, err := e.calc.Calculate(context.Background(), ev, nil); err != nil {
		t.Fatalf("calculate: %v", err)
	}

	be := e.entries(t, "buyer")[0]
	if !be.Fee.Equal(ev.Fee) {
		t.Errorf("buyer keeps the fee, got %s", be.Fee)
	}
	se := e.entries(t, "seller")[0]
	if !se.Fee.IsZero() {
		t.Errorf("seller fee should be zero, got %s", se.Fee)
	}
}

func TestCalculate_PlusBonusFromPrimarySource(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)

	ev := baseEvent("0x444")
	ev.Membership = true
	ev.PlusPercent = d(0.2)

	if _, err := e.calc.Calculate(context.Background(), ev, nil); err != nil {
		t.Fatalf("calculate: %v", err)
	}

	be := e.entries(t, "buyer")[0]
	// Bonus applies to the primary source only: 20% of 1000, not of 1100.
	if got := sourcePoint(t, be, model.SourcePlus); !got.Equal(d(200)) {
		t.Errorf("plus = %s, want 200", got)
	}
	if !be.Point.Equal(d(1300)) {
		t.Errorf("total = %s, want 1300", be.Point)
	}
}

func TestCalculate_Idempotent(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	e.refer(t, "buyer", "sponsor")

	ev := baseEvent("0x555")
	ev.Sponsor = true
	ctx := context.Background()

	if _, err := e.calc.Calculate(ctx, ev, nil); err != nil {
		t.Fatalf("first calculate: %v", err)
	}
	res, err := e.calc.Calculate(ctx, ev, nil)
	if err != nil {
		t.Fatalf("second calculate: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 2 {
		t.Fatalf("recalculation should update in place, got %+v", res)
	}

	total, err := e.store.SumUserPoints(ctx, "buyer", model.SeasonWindow{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !total.Equal(d(1000)) {
		t.Errorf("recalculating must not double points, total = %s", total)
	}
}

func TestCalculate_SameTxDifferentChains(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	ctx := context.Background()

	ev := baseEvent("0x666")
	if _, err := e.calc.Calculate(ctx, ev, nil); err != nil {
		t.Fatal(err)
	}
	ev.Chain = "polygon"
	res, err := e.calc.Calculate(ctx, ev, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 {
		t.Fatalf("same tx hash on another chain is a distinct entry, got %+v", res)
	}
}

func TestCalculate_SupersedesUntaggedEntries(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	ctx := context.Background()

	// First pass without a history id, then an enriched recalculation.
	ev := baseEvent("0x777")
	if _, err := e.calc.Calculate(ctx, ev, nil); err != nil {
		t.Fatal(err)
	}

	ev.ExternalHistoryID = "hist-1"
	res, err := e.calc.Calculate(ctx, ev, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 || res.Inserted != 1 {
		t.Fatalf("enriched recalculation should replace the untagged entry, got %+v", res)
	}

	entries := e.entries(t, "buyer")
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 after supersede", len(entries))
	}
	if entries[0].ExternalHistoryID != "hist-1" {
		t.Errorf("surviving entry should carry the history id")
	}

	// Replaying the tagged event is a plain update.
	res, err = e.calc.Calculate(ctx, ev, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 0 || res.Updated != 1 {
		t.Fatalf("tagged replay should update, got %+v", res)
	}
}

func TestCalculate_NoSeasonForBlockTime(t *testing.T) {
	e := newEnv(t)
	// No season seeded at all.
	_, err := e.calc.Calculate(context.Background(), baseEvent("0x888"), nil)
	if err != points.ErrNoSeason {
		t.Fatalf("expected ErrNoSeason, got %v", err)
	}
}

func TestCalculate_SeasonOverride(t *testing.T) {
	e := newEnv(t)
	s := e.bootstrap(t)

	override := &model.Season{
		Number:                s.Number,
		StartAt:               s.StartAt,
		PointTradeVolumeRatio: d(20), // doubled for this replay
	}

	ev := baseEvent("0x999")
	if _, err := e.calc.Calculate(context.Background(), ev, override); err != nil {
		t.Fatal(err)
	}
	be := e.entries(t, "buyer")[0]
	if !be.Point.Equal(d(2000)) {
		t.Errorf("override ratio not applied, point = %s", be.Point)
	}
}
