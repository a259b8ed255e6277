package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTotalCallsCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(TotalCalls)
	TotalCalls.Inc()
	after := testutil.ToFloat64(TotalCalls)
	if after != before+1 {
		t.Fatalf("expected TotalCalls to increment by 1, got %v -> %v", before, after)
	}
}

func TestDroppedPacketsTotalLabeled(t *testing.T) {
	DroppedPacketsTotal.WithLabelValues("media_only_known_calls").Inc()
	got := testutil.ToFloat64(DroppedPacketsTotal.WithLabelValues("media_only_known_calls"))
	if got < 1 {
		t.Fatalf("expected at least 1 dropped packet recorded, got %v", got)
	}
}
