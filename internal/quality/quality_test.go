package quality

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFlagsAfterThresholdBreached(t *testing.T) {
	t.Parallel()
	m := NewManager(2, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	for i := 0; i < 3; i++ {
		m.Report(Report{MarketID: "m1", Kind: OrderbookEmpty})
	}
	time.Sleep(50 * time.Millisecond)

	if !m.Flagged("m1") {
		t.Error("expected m1 to be flagged after exceeding threshold")
	}
	if m.Total("m1") != 3 {
		t.Errorf("Total = %d, want 3", m.Total("m1"))
	}
}

func TestUnaffectedMarketNotFlagged(t *testing.T) {
	t.Parallel()
	m := NewManager(5, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Report(Report{MarketID: "m1", Kind: FeedGap})
	time.Sleep(20 * time.Millisecond)

	if m.Flagged("m1") {
		t.Error("m1 should not be flagged below threshold")
	}
	if m.Flagged("m2") {
		t.Error("unrelated market should never be flagged")
	}
}

func TestCountOfTracksPerKind(t *testing.T) {
	t.Parallel()
	m := NewManager(100, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Report(Report{MarketID: "m1", Kind: TriggerClampedToMax})
	m.Report(Report{MarketID: "m1", Kind: TriggerClampedToMax})
	m.Report(Report{MarketID: "m1", Kind: FeedGap})
	time.Sleep(30 * time.Millisecond)

	if got := m.CountOf("m1", TriggerClampedToMax); got != 2 {
		t.Errorf("CountOf(TriggerClampedToMax) = %d, want 2", got)
	}
	if got := m.CountOf("m1", FeedGap); got != 1 {
		t.Errorf("CountOf(FeedGap) = %d, want 1", got)
	}
}
