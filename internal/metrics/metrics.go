// Package metrics renders the agent's named counters as Prometheus text on
// an optional HTTP endpoint, adapted from the teacher's hand-rolled
// Prometheus-text exporter (internal/metrics.go's StartMetricsServer).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Source supplies the current counter values to render. Implemented by
// tcpdispatch.Counters and udpchannel.Counters via their Snapshot methods.
type Source interface {
	Snapshot() map[string]uint64
}

// Registry collects named Sources and an optional gauge for the
// FailingToLoadDataFromApi status flag, per spec.md §4.2.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	gauges  map[string]func() float64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sources: make(map[string]Source),
		gauges:  make(map[string]func() float64),
	}
}

// Register adds a named counter Source, e.g. "tcp" or "udp".
func (r *Registry) Register(name string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = src
}

// RegisterGauge adds a named gauge callback, e.g. the agent's
// failing_to_load_data_from_api flag.
func (r *Registry) RegisterGauge(name string, fn func() float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = fn
}

// Serve starts an HTTP server exposing /metrics at addr until ctx is
// cancelled. Mirrors the teacher's StartMetricsServer shutdown idiom.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("metrics: empty address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", r.handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve: %w", err)
	}
	return nil
}

func (r *Registry) handler(w http.ResponseWriter, _ *http.Request) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		snap := r.sources[name].Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "playit_agent_%s_%s %d\n", name, k, snap[k])
		}
	}

	gaugeNames := make([]string, 0, len(r.gauges))
	for name := range r.gauges {
		gaugeNames = append(gaugeNames, name)
	}
	sort.Strings(gaugeNames)
	for _, name := range gaugeNames {
		fmt.Fprintf(w, "playit_agent_%s %.0f\n", name, r.gauges[name]())
	}
}
