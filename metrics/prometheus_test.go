package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipstack/core/dialog"
	"github.com/sipstack/core/internal/types"
	"github.com/sipstack/core/metrics"
)

func counterValue(t *testing.T, reg *prometheus.Registry, family, label, value string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestPrometheus_RequestReceivedIncrementsByMethod(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := metrics.NewPrometheus(metrics.PrometheusOptions{Namespace: "sip", Subsystem: "core", Registerer: reg}, nil)

	p.RequestReceived(types.RequestMethodInvite)
	p.RequestReceived(types.RequestMethodInvite)
	p.RequestReceived(types.RequestMethodBye)

	got, ok := counterValue(t, reg, "sip_core_requests_total", "method", "INVITE")
	if !ok {
		t.Fatalf("no sip_core_requests_total sample for method=INVITE")
	}
	if got != 2 {
		t.Fatalf("INVITE count = %v, want 2", got)
	}
}

func TestPrometheus_ResponseReceivedLabelsByStatusCode(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := metrics.NewPrometheus(metrics.PrometheusOptions{Namespace: "sip", Subsystem: "core", Registerer: reg}, nil)

	p.ResponseReceived(200)

	got, ok := counterValue(t, reg, "sip_core_responses_total", "status", "200")
	if !ok {
		t.Fatalf("no sip_core_responses_total sample for status=200")
	}
	if got != 1 {
		t.Fatalf("200 count = %v, want 1", got)
	}
}

func TestPrometheus_RequestDroppedLabelsByReason(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := metrics.NewPrometheus(metrics.PrometheusOptions{Namespace: "sip", Subsystem: "core", Registerer: reg}, nil)

	p.RequestDropped("self_loop")

	got, ok := counterValue(t, reg, "sip_core_requests_dropped_total", "reason", "self_loop")
	if !ok {
		t.Fatalf("no sip_core_requests_dropped_total sample for reason=self_loop")
	}
	if got != 1 {
		t.Fatalf("self_loop count = %v, want 1", got)
	}
}

func TestPrometheus_DialogsActiveGaugeSamplesManagerCount(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	dialogs := dialog.NewManager(nil)
	metrics.NewPrometheus(metrics.PrometheusOptions{Namespace: "sip", Subsystem: "core", Registerer: reg}, dialogs)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "sip_core_dialogs_active" {
			continue
		}
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 0 {
			t.Fatalf("dialogs_active = %v, want 0 (no dialogs yet)", got)
		}
		return
	}
	t.Fatalf("sip_core_dialogs_active metric not registered")
}

func TestPrometheus_NilDialogsSkipsGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics.NewPrometheus(metrics.PrometheusOptions{Namespace: "sip", Subsystem: "core", Registerer: reg}, nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "sip_core_dialogs_active" {
			t.Fatalf("dialogs_active registered with nil dialog.Manager")
		}
	}
}
