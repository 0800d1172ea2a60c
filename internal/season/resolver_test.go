package season_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quaimark/referral-service/internal/model"
	"github.com/quaimark/referral-service/internal/season"
	"github.com/quaimark/referral-service/internal/store"
)

func testDefaults() season.Defaults {
	return season.Defaults{
		PointTradeVolumeRatio:     decimal.NewFromInt(10),
		MembershipPlusVolumeRatio: decimal.NewFromFloat(0.1),
		RefTradePointRatio:        decimal.NewFromFloat(0.05),
		SponsorTradePointRatio:    decimal.NewFromFloat(0.1),
		MembershipShareFeeRatio:   decimal.NewFromFloat(0.1),
	}
}

func newResolver(t *testing.T) (*season.Resolver, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return season.NewResolver(ms, testDefaults()), ms
}

func TestCurrentOrCreate_Bootstrap(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	s, err := r.CurrentOrCreate(ctx)
	if err != nil {
		t.Fatalf("CurrentOrCreate: %v", err)
	}
	if s.Number != 1 {
		t.Errorf("first season number = %d, want 1", s.Number)
	}
	if !s.Open() {
		t.Error("freshly created season should be open")
	}
	if !s.PointTradeVolumeRatio.Equal(decimal.NewFromInt(10)) {
		t.Errorf("default ratio not applied: %s", s.PointTradeVolumeRatio)
	}

	again, err := r.CurrentOrCreate(ctx)
	if err != nil {
		t.Fatalf("second CurrentOrCreate: %v", err)
	}
	if again.Number != 1 {
		t.Errorf("repeated call should return the open season, got %d", again.Number)
	}
}

func TestCurrentOrCreate_ContinuesAfterClosedSeason(t *testing.T) {
	r, ms := newResolver(t)
	ctx := context.Background()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	closed := &model.Season{Number: 1, Name: "Season 1", StartAt: start, EndAt: &end}
	if err := ms.InsertSeason(ctx, closed); err != nil {
		t.Fatalf("seed closed season: %v", err)
	}

	s, err := r.CurrentOrCreate(ctx)
	if err != nil {
		t.Fatalf("CurrentOrCreate: %v", err)
	}
	if s.Number != 2 {
		t.Errorf("season number = %d, want 2", s.Number)
	}
	if !s.StartAt.Equal(end) {
		t.Errorf("new season should start where the last ended: %s vs %s", s.StartAt, end)
	}
}

func TestRotate(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	first, err := r.CurrentOrCreate(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	at := time.Now().UTC().Add(time.Hour)
	next, err := r.Rotate(ctx, at, "Spring League")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.Number != first.Number+1 {
		t.Errorf("next number = %d, want %d", next.Number, first.Number+1)
	}
	if next.Name != "Spring League" {
		t.Errorf("name = %q", next.Name)
	}
	if !next.StartAt.Equal(at) {
		t.Errorf("next start = %s, want %s", next.StartAt, at)
	}

	prev, err := r.ByNumber(ctx, first.Number)
	if err != nil {
		t.Fatalf("reload closed season: %v", err)
	}
	if prev.EndAt == nil || !prev.EndAt.Equal(at) {
		t.Errorf("closed season end = %v, want %s", prev.EndAt, at)
	}

	open, err := r.CurrentOrCreate(ctx)
	if err != nil {
		t.Fatalf("current after rotate: %v", err)
	}
	if open.Number != next.Number {
		t.Errorf("open season = %d, want %d", open.Number, next.Number)
	}
}

func TestRotate_RejectsEndBeforeStart(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	if _, err := r.CurrentOrCreate(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := r.Rotate(ctx, time.Now().UTC().Add(-time.Hour), ""); err == nil {
		t.Fatal("rotating to a time before the season start should fail")
	}
}

func TestByTime_Boundary(t *testing.T) {
	r, ms := newResolver(t)
	ctx := context.Background()

	boundary := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s1 := &model.Season{Number: 1, StartAt: start, EndAt: &boundary}
	s2 := &model.Season{Number: 2, StartAt: boundary}
	if err := ms.InsertSeason(ctx, s1); err != nil {
		t.Fatal(err)
	}
	if err := ms.InsertSeason(ctx, s2); err != nil {
		t.Fatal(err)
	}

	// The boundary instant belongs to the newer season.
	got, err := r.ByTime(ctx, boundary)
	if err != nil {
		t.Fatalf("ByTime: %v", err)
	}
	if got.Number != 2 {
		t.Errorf("season at boundary = %d, want 2", got.Number)
	}

	got, err = r.ByTime(ctx, boundary.Add(-time.Second))
	if err != nil {
		t.Fatalf("ByTime: %v", err)
	}
	if got.Number != 1 {
		t.Errorf("season before boundary = %d, want 1", got.Number)
	}
}
