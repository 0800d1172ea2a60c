package points_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
	"github.com/quaimark/referral-service/internal/points"
)

// award writes one plain trade entry worth price*10 points for user.
func (e *env) award(t *testing.T, user, txHash string, price float64) {
	t.Helper()
	ev := points.TradeEvent{
		Buyer:     user,
		Price:     decimal.NewFromFloat(price),
		TxHash:    txHash,
		BlockTime: time.Now().Unix(),
		Chain:     "ethereum",
	}
	if _, err := e.calc.Calculate(context.Background(), ev, nil); err != nil {
		t.Fatalf("award %s: %v", user, err)
	}
}

// awardSponsored is award with sponsor attribution to the user's referrer.
func (e *env) awardSponsored(t *testing.T, user, txHash string, price float64) {
	t.Helper()
	ev := points.TradeEvent{
		Buyer:     user,
		Price:     decimal.NewFromFloat(price),
		TxHash:    txHash,
		BlockTime: time.Now().Unix(),
		Chain:     "ethereum",
		Sponsor:   true,
	}
	if _, err := e.calc.Calculate(context.Background(), ev, nil); err != nil {
		t.Fatalf("award %s: %v", user, err)
	}
}

func TestUserTotal(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	e.award(t, "alice", "0x1", 10)
	e.award(t, "alice", "0x2", 5)

	total, err := e.ranker.UserTotal(context.Background(), "alice", points.SeasonSelector{}, "")
	if err != nil {
		t.Fatalf("UserTotal: %v", err)
	}
	if !total.Equal(d(150)) {
		t.Errorf("total = %s, want 150", total)
	}
}

func TestUserRank_DenseWithTies(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	ctx := context.Background()

	e.award(t, "alice", "0x1", 30)
	e.award(t, "bob", "0x2", 30) // tied with alice
	e.award(t, "carol", "0x3", 20)
	e.award(t, "dave", "0x4", 10)

	aliceRank, err := e.ranker.UserRank(ctx, "alice", points.SeasonSelector{}, "")
	if err != nil {
		t.Fatal(err)
	}
	bobRank, _ := e.ranker.UserRank(ctx, "bob", points.SeasonSelector{}, "")
	carolRank, _ := e.ranker.UserRank(ctx, "carol", points.SeasonSelector{}, "")
	daveRank, _ := e.ranker.UserRank(ctx, "dave", points.SeasonSelector{}, "")

	if aliceRank.Rank != 1 || bobRank.Rank != 1 {
		t.Errorf("tied leaders should share rank 1, got %d and %d", aliceRank.Rank, bobRank.Rank)
	}
	if carolRank.Rank != 2 {
		t.Errorf("carol rank = %d, want 2 (dense, no gap)", carolRank.Rank)
	}
	if daveRank.Rank != 3 {
		t.Errorf("dave rank = %d, want 3", daveRank.Rank)
	}
	if !aliceRank.SeasonPoint.Equal(d(300)) {
		t.Errorf("alice season point = %s, want 300", aliceRank.SeasonPoint)
	}
	if !aliceRank.TradePoint.Equal(d(300)) {
		t.Errorf("alice trade point = %s, want 300", aliceRank.TradePoint)
	}
}

func TestUserRank_NoActivity(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	e.award(t, "alice", "0x1", 10)

	r, err := e.ranker.UserRank(context.Background(), "stranger", points.SeasonSelector{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if r.Rank != points.NoRank {
		t.Errorf("rank = %d, want NoRank", r.Rank)
	}
	if !r.SeasonPoint.IsZero() {
		t.Errorf("season point = %s, want 0", r.SeasonPoint)
	}
}

func TestLeaderboard_AgreesWithUserRank(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, u := range users {
		e.award(t, u, "0x"+u, float64(10*(i+1)))
	}

	board, err := e.ranker.TopLeaderboard(ctx, points.SeasonSelector{}, "", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(board.Items) != len(users) {
		t.Fatalf("leaderboard rows = %d, want %d", len(board.Items), len(users))
	}
	for _, row := range board.Items {
		ur, err := e.ranker.UserRank(ctx, row.User, points.SeasonSelector{}, "")
		if err != nil {
			t.Fatal(err)
		}
		if ur.Rank != row.Rank {
			t.Errorf("%s: user rank %d disagrees with leaderboard rank %d", row.User, ur.Rank, row.Rank)
		}
		if !ur.SeasonPoint.Equal(row.SeasonPoint) {
			t.Errorf("%s: point mismatch %s vs %s", row.User, ur.SeasonPoint, row.SeasonPoint)
		}
	}
	// Highest price awarded last: u5 leads.
	if board.Items[0].User != "u5" || board.Items[0].Rank != 1 {
		t.Errorf("top row = %s rank %d", board.Items[0].User, board.Items[0].Rank)
	}
}

func TestLeaderboard_Pagination(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)

	for i := 0; i < 25; i++ {
		u := string(rune('a'+i/5)) + string(rune('0'+i%5))
		e.award(t, u, "0xp"+u, float64(i+1))
	}

	p1, err := e.ranker.TopLeaderboard(context.Background(), points.SeasonSelector{}, "", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(p1.Items) != 10 || p1.Total != 25 || p1.Pages != 3 {
		t.Fatalf("page 1: items=%d total=%d pages=%d", len(p1.Items), p1.Total, p1.Pages)
	}
	if !p1.HasNext || p1.HasPrevious {
		t.Errorf("page 1: HasNext=%v HasPrevious=%v", p1.HasNext, p1.HasPrevious)
	}

	p3, err := e.ranker.TopLeaderboard(context.Background(), points.SeasonSelector{}, "", 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(p3.Items) != 5 {
		t.Fatalf("page 3 items = %d, want 5", len(p3.Items))
	}
	if p3.HasNext || !p3.HasPrevious {
		t.Errorf("page 3: HasNext=%v HasPrevious=%v", p3.HasNext, p3.HasPrevious)
	}

	// Ranks continue across pages.
	if p3.Items[len(p3.Items)-1].Rank != 25 {
		t.Errorf("last rank = %d, want 25", p3.Items[len(p3.Items)-1].Rank)
	}
}

func TestSeasonWindow_FirstSeasonIncludesEarlyActivity(t *testing.T) {
	e := newEnv(t)
	s := e.bootstrap(t)
	ctx := context.Background()

	// Activity long before the stored season start.
	ev := points.TradeEvent{
		Buyer:     "early",
		Price:     d(10),
		TxHash:    "0xearly",
		BlockTime: s.StartAt.Add(-48 * time.Hour).Unix(),
		Chain:     "ethereum",
	}
	if _, err := e.calc.Calculate(ctx, ev, s); err != nil {
		t.Fatal(err)
	}

	total, err := e.ranker.UserTotal(ctx, "early", points.SeasonSelector{Number: 1}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !total.Equal(d(100)) {
		t.Errorf("season 1 should include pre-start activity, total = %s", total)
	}
}

func TestUserHistory_JoinsSeasons(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	e.award(t, "alice", "0xh1", 10)
	e.award(t, "alice", "0xh2", 20)

	page, err := e.ranker.UserHistory(context.Background(), "alice", model.HistoryFilter{}, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("history items = %d, want 2", len(page.Items))
	}
	for _, item := range page.Items {
		if item.Season == nil || item.Season.Number != 1 {
			t.Errorf("entry %s missing season join", item.TxHash)
		}
	}
}

func TestReferralStats(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)
	ctx := context.Background()

	// big refers two users, small refers one; referred users trade with
	// sponsor attribution so the referrers earn points.
	e.refer(t, "r1", "big")
	e.refer(t, "r2", "big")
	e.refer(t, "r3", "small")
	e.awardSponsored(t, "r1", "0xs1", 10)
	e.awardSponsored(t, "r2", "0xs2", 20)
	e.awardSponsored(t, "r3", "0xs3", 5)

	stats, err := e.ranker.ReferralStats(ctx, "big", points.RankByReferrals, time.Time{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rank != 1 {
		t.Errorf("big rank = %d, want 1", stats.Rank)
	}
	if stats.AllDirectRefs != 2 {
		t.Errorf("big direct referrals = %d, want 2", stats.AllDirectRefs)
	}
	if stats.ActiveDirectRefs != 2 {
		t.Errorf("big active referrals = %d, want 2", stats.ActiveDirectRefs)
	}
	// Sponsor awards are 10% of the trade volume points: 10 + 20.
	if !stats.Total.Equal(d(30)) {
		t.Errorf("big sponsor points = %s, want 30", stats.Total)
	}

	small, err := e.ranker.ReferralStats(ctx, "small", points.RankByReferrals, time.Time{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if small.Rank != 2 {
		t.Errorf("small rank = %d, want 2", small.Rank)
	}

	// A user who referred nobody gets the zero result, not an error.
	none, err := e.ranker.ReferralStats(ctx, "loner", points.RankByReferrals, time.Time{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if none.Rank != points.NoRank || !none.Total.IsZero() {
		t.Errorf("loner stats = %+v, want zero result", none)
	}
}

func TestTopByReferralCount(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t)

	e.refer(t, "r1", "big")
	e.refer(t, "r2", "big")
	e.refer(t, "r3", "small")
	e.award(t, "r1", "0xc1", 10)

	board, err := e.ranker.TopByReferralCount(context.Background(), 1, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(board.Items) < 2 {
		t.Fatalf("rows = %d, want at least 2", len(board.Items))
	}
	if board.Items[0].Count != 2 {
		t.Errorf("top referrer count = %d, want 2", board.Items[0].Count)
	}
	if board.Items[0].Count < board.Items[1].Count {
		t.Error("rows must be sorted by referral count descending")
	}
}
