// Package scheduler drives provider sync cycles.
//
// Each registered orchestrator gets its own goroutine, so a slow or
// rate-limited provider never delays the others. Cycles run on a fixed
// interval and on demand; triggers that arrive while a cycle is running
// coalesce into a single follow-up cycle.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/weft-sync/weft/internal/orchestrator"
)

const defaultInterval = 5 * time.Minute

// Scheduler runs orchestrator cycles on interval and on demand
type Scheduler struct {
	interval time.Duration
	logger   *log.Logger

	workers   map[string]*worker
	running   bool
	workersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// worker owns the cycle loop for one provider
type worker struct {
	orch    *orchestrator.Orchestrator
	trigger chan struct{}
}

// Config holds scheduler configuration
type Config struct {
	// Interval between automatic sync cycles (default: 5m)
	Interval time.Duration

	// Logger for scheduler activity (default: stderr logger)
	Logger *log.Logger
}

// New creates a scheduler. Add orchestrators before calling Start.
func New(config *Config) *Scheduler {
	if config == nil {
		config = &Config{}
	}
	interval := config.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		interval: interval,
		logger:   logger,
		workers:  make(map[string]*worker),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers an orchestrator. Adding after Start starts its loop
// immediately.
func (s *Scheduler) Add(orch *orchestrator.Orchestrator) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	name := orch.Provider()
	if _, exists := s.workers[name]; exists {
		return
	}

	w := &worker{
		orch:    orch,
		trigger: make(chan struct{}, 1),
	}
	s.workers[name] = w

	if s.ctx.Err() == nil && s.running {
		s.wg.Add(1)
		go s.run(w)
	}
}

// Start launches the cycle loops
func (s *Scheduler) Start() {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	if s.running {
		return
	}
	s.running = true

	for _, w := range s.workers {
		s.wg.Add(1)
		go s.run(w)
	}
}

// Stop cancels all loops and waits for in-flight cycles to finish
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Trigger requests an immediate cycle for one provider, or for all
// providers when name is empty. Requests during a running cycle coalesce.
func (s *Scheduler) Trigger(name string) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	for n, w := range s.workers {
		if name != "" && n != name {
			continue
		}
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
}

// TriggerAll requests an immediate cycle on every provider
func (s *Scheduler) TriggerAll() {
	s.Trigger("")
}

// run is the per-provider cycle loop
func (s *Scheduler) run(w *worker) {
	defer s.wg.Done()

	name := w.orch.Provider()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		}

		if err := w.orch.RunCycle(s.ctx); err != nil {
			s.logger.Printf("Sync cycle for %s failed: %v", name, err)
		}
	}
}
