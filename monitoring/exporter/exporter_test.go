package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const sampleVars = `{
	"LiveSessions": 3,
	"TotalSessions": 10,
	"OnlineUsers": 2,
	"MessagesRelayed": 42,
	"PullsExpired": 1,
	"memstats": {"Alloc": 1024}
}`

func gather(t *testing.T, handler http.HandlerFunc) map[string]float64 {
	t.Helper()

	srv := httptest.NewServer(handler)
	defer srv.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPromExporter("relay", time.Second, NewScraper(srv.URL, time.Second)))

	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if g := m.GetGauge(); g != nil {
				values[f.GetName()] = g.GetValue()
			} else if c := m.GetCounter(); c != nil {
				values[f.GetName()] = c.GetValue()
			}
		}
	}
	return values
}

func TestCollect(t *testing.T) {
	values := gather(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleVars))
	})

	expected := map[string]float64{
		"relay_up":                     1,
		"relay_sessions_live_count":    3,
		"relay_sessions_total":         10,
		"relay_users_online_count":     2,
		"relay_messages_relayed_total": 42,
		"relay_pulls_expired_total":    1,
		"relay_malloced_bytes":         1024,
		// Missing in the sample, reported as zero.
		"relay_pulls_live_count": 0,
	}
	for name, want := range expected {
		got, ok := values[name]
		if !ok {
			t.Errorf("%s: metric missing", name)
		} else if got != want {
			t.Errorf("%s: expected %v, got %v", name, want, got)
		}
	}
}

func TestCollectUnreachable(t *testing.T) {
	values := gather(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if values["relay_up"] != 0 {
		t.Errorf("relay_up: expected 0, got %v", values["relay_up"])
	}
	if _, ok := values["relay_sessions_live_count"]; ok {
		t.Error("No metrics expected from an unreachable server")
	}
}

func TestParseNumeric(t *testing.T) {
	stats := map[string]any{
		"Uptime":   12.5,
		"memstats": map[string]any{"Alloc": float64(7)},
		"Version":  "0.1",
	}

	if v, err := parseNumeric(stats, "memstats.Alloc"); err != nil || v != 7 {
		t.Errorf("memstats.Alloc: got %v, %v", v, err)
	}
	if _, err := parseNumeric(stats, "Uptime.Seconds"); err == nil {
		t.Error("Path through a number must fail")
	}
	if _, err := parseNumeric(stats, "Version"); err == nil {
		t.Error("Non-numeric value must fail")
	}
	if v, err := parseMetric(stats, "Missing"); err != nil || v != 0 {
		t.Errorf("Missing metric must be zero, got %v, %v", v, err)
	}
	if _, err := parseMetric(stats, "Version"); err == nil {
		t.Error("Non-numeric metric must fail")
	}
}
