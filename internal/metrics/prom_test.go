package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/printer-dashboard/relay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPromObserver(reg)

	obs.SessionAdmitted()
	obs.SessionAdmitted()
	if got := testutil.ToFloat64(obs.admitted); got != 2 {
		t.Fatalf("expected admitted 2, got %f", got)
	}

	obs.SessionRejected("token")
	obs.SessionRejected("subprotocol")
	obs.SessionRejected("token")
	if got := testutil.ToFloat64(obs.rejected.WithLabelValues("token")); got != 2 {
		t.Fatalf("expected token rejections 2, got %f", got)
	}

	obs.SessionReleased(relay.CauseSlow)
	if got := testutil.ToFloat64(obs.released.WithLabelValues(relay.CauseSlow)); got != 1 {
		t.Fatalf("expected slow releases 1, got %f", got)
	}

	obs.MessageIngested(3)
	if got := testutil.ToFloat64(obs.ingested); got != 1 {
		t.Fatalf("expected ingested 1, got %f", got)
	}
	if got := testutil.ToFloat64(obs.readings); got != 3 {
		t.Fatalf("expected readings 3, got %f", got)
	}

	obs.MessageMalformed()
	if got := testutil.ToFloat64(obs.malformed); got != 1 {
		t.Fatalf("expected malformed 1, got %f", got)
	}

	obs.AppendCompleted(2*time.Millisecond, nil)
	obs.AppendCompleted(time.Millisecond, errors.New("disk full"))
	if got := testutil.ToFloat64(obs.appendErrs); got != 1 {
		t.Fatalf("expected append failures 1, got %f", got)
	}
	if n := testutil.CollectAndCount(obs.appendLat); n != 1 {
		t.Fatalf("expected one latency histogram, got %d", n)
	}

	obs.UnitsQueued(4)
	if got := testutil.ToFloat64(obs.unitsSent); got != 4 {
		t.Fatalf("expected units 4, got %f", got)
	}
}

func TestRegisterStatsAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPromObserver(reg)
	RegisterStats(reg, func() relay.Stats {
		return relay.Stats{Sessions: 2, LogRecords: 7, LogBytes: 1024, SnapshotKeys: 3}
	})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"printer_relay_sessions_active 2",
		"printer_relay_log_records 7",
		"printer_relay_log_size_bytes 1024",
		"printer_relay_snapshot_metrics 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
