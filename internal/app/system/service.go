// Package system provides the lifecycle plumbing shared by application
// modules: the Service interface, a start/stop manager, and a cron-backed
// runner for periodic jobs.
package system

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// Service represents a lifecycle-managed component. All application modules
// must implement this interface so the system manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  bool
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service. Registration after start is an error.
func (m *Manager) Register(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("cannot register %s: manager already started", svc.Name())
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service; the first failure stops the ones
// already running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.started = true
	m.mu.Unlock()

	for i, svc := range services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				services[j].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop stops every service in reverse order, returning the first error.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	var firstErr error
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TickFunc processes one scheduled cycle. It must be safe to re-run: a tick
// interrupted by a crash is simply processed again next time.
type TickFunc func(ctx context.Context) error

// CronRunner drives a TickFunc on a cron schedule ("@every 30s" and friends).
type CronRunner struct {
	name string
	spec string
	tick TickFunc
	log  *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ Service = (*CronRunner)(nil)

// NewCronRunner builds a runner; the schedule uses robfig/cron syntax.
func NewCronRunner(name, spec string, tick TickFunc, log *logger.Logger) *CronRunner {
	if log == nil {
		log = logger.NewDefault(name)
	}
	return &CronRunner{name: name, spec: spec, tick: tick, log: log}
}

func (r *CronRunner) Name() string { return r.name }

func (r *CronRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := cron.New()
	_, err := c.AddFunc(r.spec, func() {
		if err := r.tick(runCtx); err != nil {
			r.log.WithError(err).Warnf("%s tick failed", r.name)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule %s (%q): %w", r.name, r.spec, err)
	}

	c.Start()
	r.cron = c
	r.cancel = cancel
	r.running = true
	r.log.Infof("%s scheduled %s", r.name, r.spec)
	return nil
}

func (r *CronRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	stopCtx := r.cron.Stop()
	r.cancel()
	r.running = false

	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
