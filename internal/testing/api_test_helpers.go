// Package testing holds helpers shared by API and command tests.
package testing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/internal/server/api"
	"github.com/sharpie7/tinyusb/internal/sim"
	"github.com/sharpie7/tinyusb/virtualbus"
)

// Bench is a controller driven by the simulated schedule engine, with an
// empty virtual bus in front of it.
type Bench struct {
	Ctrl   *hcd.Controller
	Bus    *virtualbus.VirtualBus
	Engine *sim.Engine
}

// BenchConfig is a small controller layout that keeps tests quick.
func BenchConfig() hcd.Config {
	cfg := hcd.DefaultConfig()
	cfg.MaxDevices = 4
	cfg.PipesPerDevice = 2
	cfg.BufferPages = 16
	return cfg
}

// NewBench builds a Bench and runs its engine until the test ends.
func NewBench(t *testing.T, cfg hcd.Config) *Bench {
	t.Helper()
	arena, err := hcd.NewArena(cfg)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	bus := virtualbus.New(cfg.MaxDevices)
	engine := sim.New(sim.Config{Interval: 100 * time.Microsecond}, arena, bus, nil, nil)
	ctrl, err := hcd.New(cfg, arena, bus, engine, nil, nil)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	engine.OnInterrupt(ctrl.HandleInterrupt)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return &Bench{Ctrl: ctrl, Bus: bus, Engine: engine}
}

// StartAPIServer starts an API server on a free port in front of a fresh
// Bench and calls register to allow the caller to register the handlers
// needed for the test. Returns the address, the bench and a function to call
// when done.
func StartAPIServer(t *testing.T, cfg api.ServerConfig, register func(r *api.Router, b *Bench)) (addr string, b *Bench, done func()) {
	t.Helper()
	b = NewBench(t, BenchConfig())

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	apiSrv, err := api.New("127.0.0.1:0", cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("api server: %v", err)
	}
	if register != nil {
		register(apiSrv.Router(), b)
	}
	if err := apiSrv.Start(); err != nil {
		t.Fatalf("api start failed: %v", err)
	}
	return apiSrv.Addr(), b, apiSrv.Close
}
