// Package app wires the settlement services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/crosslane-network/settlement_layer/internal/app/httpapi"
	"github.com/crosslane-network/settlement_layer/internal/app/metrics"
	"github.com/crosslane-network/settlement_layer/internal/app/services/monitor"
	"github.com/crosslane-network/settlement_layer/internal/app/services/orchestrator"
	"github.com/crosslane-network/settlement_layer/internal/app/services/retrycoord"
	"github.com/crosslane-network/settlement_layer/internal/app/storage"
	"github.com/crosslane-network/settlement_layer/internal/app/storage/memory"
	"github.com/crosslane-network/settlement_layer/internal/app/system"
	"github.com/crosslane-network/settlement_layer/internal/bridge"
	"github.com/crosslane-network/settlement_layer/internal/config"
	"github.com/crosslane-network/settlement_layer/internal/oracle"
	"github.com/crosslane-network/settlement_layer/internal/resilience"
	"github.com/crosslane-network/settlement_layer/internal/vault"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Messages    storage.MessageStore
	Settlements storage.SettlementStore
}

// Application ties the settlement services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Orchestrator *orchestrator.Service
	Monitor      *monitor.Service
	Retry        *retrycoord.Service
	Breakers     *resilience.Registry
	Hub          *httpapi.Hub
	Handler      http.Handler
}

// New builds a fully initialised application from config and stores.
func New(cfg config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	if stores.Messages == nil || stores.Settlements == nil {
		mem := memory.New()
		if stores.Messages == nil {
			stores.Messages = mem
		}
		if stores.Settlements == nil {
			stores.Settlements = mem
		}
	}

	breakers := resilience.NewRegistry(cfg.Resilience)
	breakers.OnStateChange(func(dependency string, from, to resilience.State) {
		metrics.SetBreakerState(dependency, to)
		log.WithField("dependency", dependency).Infof("breaker %s -> %s", from, to)
	})

	axelar := bridge.NewAxelarAdapter(bridge.AxelarConfig{
		RPCEndpoints:     cfg.AxelarRPCEndpoints,
		GatewayAddresses: cfg.AxelarGateways,
		ExplorerURL:      cfg.AxelarExplorerURL,
		BaseFee:          cfg.AxelarBaseFee,
	}, breakers, cfg.Resilience, log.WithField("component", "bridge-axelar"))

	ccip := bridge.NewCCIPAdapter(bridge.CCIPConfig{
		RPCEndpoints:    cfg.CCIPRPCEndpoints,
		RouterAddresses: cfg.CCIPRouters,
		ExplorerURL:     cfg.CCIPExplorerURL,
		BaseFee:         cfg.CCIPBaseFee,
	}, breakers, cfg.Resilience, log.WithField("component", "bridge-ccip"))

	adapters := bridge.NewAdapterRegistry(axelar, ccip)
	executor := bridge.NewExecutor(adapters, bridge.ExecutorConfig{
		ReceiverAddresses: cfg.ReceiverAddresses,
		MaxFee:            cfg.MaxBridgeFee,
	}, log.WithField("component", "bridge-executor"))

	vaultClient := vault.New(vault.Config{
		Endpoints:    cfg.VaultEndpoints,
		NativeAssets: cfg.NativeAssets,
	}, breakers, cfg.Resilience, log.WithField("component", "vault"))

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	prices := oracle.New(oracle.Config{BaseURL: cfg.OracleURL}, breakers, cfg.Resilience,
		cache, log.WithField("component", "price-oracle"))

	hub := httpapi.NewHub(log.WithField("component", "ws-hub"))

	orch := orchestrator.New(stores.Settlements, stores.Messages, executor,
		vaultClient, prices, hub, orchestrator.Config{}, log.WithField("component", "orchestrator"))

	mon := monitor.New(stores.Messages, adapters, hub, monitor.Config{
		MinAge:     10 * time.Second,
		MaxRetries: cfg.Resilience.MaxRetries,
	}, log.WithField("component", "message-monitor"))

	retry := retrycoord.New(stores.Messages, executor, hub, retrycoord.Config{
		Resilience: cfg.Resilience,
	}, log.WithField("component", "retry-coordinator"))

	manager := system.NewManager()
	runners := []system.Service{
		system.NewCronRunner("message-monitor", cfg.MonitorSchedule, mon.Tick,
			log.WithField("component", "message-monitor")),
		system.NewCronRunner("retry-coordinator", cfg.RetrySchedule, retry.Tick,
			log.WithField("component", "retry-coordinator")),
		system.NewCronRunner("settlement-recovery", cfg.RecoverySchedule, orch.RecoverStranded,
			log.WithField("component", "settlement-recovery")),
	}
	for _, svc := range runners {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	handler := httpapi.NewHandler(orch, stores.Settlements, breakers, hub, cfg.AuditLogPath,
		log.WithField("component", "httpapi"))

	return &Application{
		manager:      manager,
		log:          log,
		Orchestrator: orch,
		Monitor:      mon,
		Retry:        retry,
		Breakers:     breakers,
		Hub:          hub,
		Handler:      handler,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and disconnects websocket subscribers.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Hub.Close()
	return err
}
