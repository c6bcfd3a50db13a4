package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"tunnelagent/internal/config"
	"tunnelagent/internal/origin"
)

func TestParseProto(t *testing.T) {
	cases := map[string]origin.Proto{
		"tcp":       origin.Tcp,
		"udp":       origin.Udp,
		"both":      origin.Both,
		"unknown!!": origin.Both,
	}
	for in, want := range cases {
		if got := parseProto(in); got != want {
			t.Errorf("parseProto(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRefreshOriginsBuildsLookupTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"type": "agent-run-data",
			"tunnels": [
				{"internal_id": 7, "proto": "tcp", "local_ip": "127.0.0.1", "local_port": 25565, "port": {"from": 0, "to": 1}}
			]
		}`))
	}))
	defer srv.Close()

	a := New(&config.Config{SecretKey: "aa", APIURL: srv.URL})
	if err := a.refreshOrigins(context.Background()); err != nil {
		t.Fatalf("refreshOrigins: %v", err)
	}

	resource, ok := a.lookup.Get(7, true)
	if !ok {
		t.Fatal("expected tunnel 7 to be resolvable")
	}
	addr, ok := resource.ResolveLocal(0)
	if !ok || addr.Port() != 25565 {
		t.Fatalf("resolved addr = %v, ok=%v", addr, ok)
	}

	if _, ok := a.lookup.Get(7, false); ok {
		t.Fatal("tcp-only resource should not resolve under the udp key")
	}
}

func TestRefreshOriginsSetsFailingFlagAfterThreeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(&config.Config{SecretKey: "aa", APIURL: srv.URL})
	for i := 0; i < 3; i++ {
		if err := a.refreshOrigins(context.Background()); err == nil {
			t.Fatal("expected error from failing API")
		}
	}

	a.counters.mu.Lock()
	failing := a.counters.failingToLoadDataFromAPI
	a.counters.mu.Unlock()
	if !failing {
		t.Fatal("expected failingToLoadDataFromAPI after three consecutive errors")
	}
}
