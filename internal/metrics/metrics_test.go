package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"naspanel/internal/eventbus"
	logx "naspanel/pkg/logx"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestObserveJobEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := MustNew(reg, nil)
	m.Observe(eventbus.Event{Type: eventbus.JobFinished, Data: eventbus.JobRun{JobID: "a", Duration: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobRun{JobID: "a"}})
	m.Observe(eventbus.Event{Type: eventbus.JobSkipped, Data: eventbus.JobRun{JobID: "a"}})
	m.Observe(eventbus.Event{Type: eventbus.ProcessStarted})
	m.Observe(eventbus.Event{Type: eventbus.ProcessStarted})
	m.Observe(eventbus.Event{Type: eventbus.ProcessFinished})

	if v := counterValue(t, reg, "naspanel_job_runs_total", map[string]string{"job": "a", "result": "ok"}); v != 1 {
		t.Fatalf("ok runs = %v", v)
	}
	if v := counterValue(t, reg, "naspanel_job_runs_total", map[string]string{"job": "a", "result": "failed"}); v != 1 {
		t.Fatalf("failed runs = %v", v)
	}
	if v := counterValue(t, reg, "naspanel_job_skips_total", map[string]string{"job": "a"}); v != 1 {
		t.Fatalf("skips = %v", v)
	}
	if v := counterValue(t, reg, "naspanel_job_run_duration_seconds", map[string]string{"job": "a"}); v != 2 {
		t.Fatalf("duration samples = %v", v)
	}
	if v := counterValue(t, reg, "naspanel_active_processes", nil); v != 1 {
		t.Fatalf("active processes = %v", v)
	}
}

func TestMustNewTwiceReusesCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a := MustNew(reg, nil)
	b := MustNew(reg, nil)
	a.Observe(eventbus.Event{Type: eventbus.JobSkipped, Data: eventbus.JobRun{JobID: "x"}})
	b.Observe(eventbus.Event{Type: eventbus.JobSkipped, Data: eventbus.JobRun{JobID: "x"}})
	if v := counterValue(t, reg, "naspanel_job_skips_total", map[string]string{"job": "x"}); v != 2 {
		t.Fatalf("skips = %v", v)
	}
}

func TestRunConsumesBusAndServes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	m := MustNew(reg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, bus, logx.Nop())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for counterValue(t, reg, "naspanel_job_runs_total", map[string]string{"job": "nightly"}) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: eventbus.JobRun{JobID: "nightly"}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `naspanel_job_runs_total{job="nightly",result="ok"}`) {
		t.Fatalf("metrics output missing job counter:\n%s", body)
	}
	if !strings.Contains(string(body), "naspanel_event_bus_dropped_total") {
		t.Fatalf("metrics output missing bus counter")
	}
}
