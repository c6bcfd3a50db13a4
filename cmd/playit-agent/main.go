// Command playit-agent runs the tunneling endpoint agent's network core:
// the control session, TCP dispatcher, and UDP channel described by this
// module's internal packages. Account API login, the TUI, and service
// installation are out of scope for this binary (see spec.md §1).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tunnelagent/internal/agent"
	"tunnelagent/internal/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutting down...")
		cancel()
	}()

	a := agent.New(cfg)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := a.ServeMetrics(ctx); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		log.Printf("Prometheus metrics listening on %s", cfg.MetricsAddr)
	}

	if err := a.Run(ctx); err != nil {
		log.Fatalf("agent stopped: %v", err)
	}
}
