package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/binflow/cfg"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	registry = nil

	if GetMetricsHandler() != nil {
		t.Fatal("expected nil handler when disabled")
	}
	if _, ok := NewCounter("x", "x").(NoopStat); !ok {
		t.Fatal("expected noop counter")
	}
	NewCounterVec("y", "y", []string{"l"}).With("v").Inc()
	NewGaugeVec("z", "z", []string{"l"}).With("v").Set(1)
	NewHistogramVec("w", "w", []string{"l"}, nil).With("v").Observe(1)
}

func TestInitializeTelemetryServesMetrics(t *testing.T) {
	original := cfg.Config
	defer func() {
		cfg.Config = original
		registry = nil
	}()
	cfg.Config = cfg.Default()
	cfg.Config.ClientID = "metrics-test"

	InitializeTelemetry()

	PublishedMessagesTotal.With("success").Inc()
	CommittedAdvancesTotal.Inc()
	PublishLatencySeconds.With("kafka").Observe(0.002)
	BinlogOffset.With("committed").Set(4096)

	h := GetMetricsHandler()
	if h == nil {
		t.Fatal("expected metrics handler")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`binflow_published_messages_total{client_id="metrics-test",result="success"} 1`,
		`binflow_committed_advances_total{client_id="metrics-test"} 1`,
		`binflow_publish_latency_seconds_count{client_id="metrics-test",sink="kafka"} 1`,
		`binflow_binlog_offset_bytes{client_id="metrics-test",position="committed"} 4096`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

type fakeStats struct{ queue, outstanding int }

func (f fakeStats) QueueLen() int    { return f.queue }
func (f fakeStats) Outstanding() int { return f.outstanding }

func TestMetricsCollectorStops(t *testing.T) {
	mc := NewMetricsCollector(fakeStats{queue: 3, outstanding: 5}, time.Millisecond)
	mc.Start()
	time.Sleep(5 * time.Millisecond)
	mc.Stop()
}
