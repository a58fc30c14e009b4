// Package app composes the settlement layer into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── message/        # Cross-chain message lifecycle
//	│   ├── settlement/     # Settlement records
//	│   └── collateral/     # Collateral snapshots
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # MessageStore and SettlementStore
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Settlement business logic
//	│   ├── orchestrator/   # Settlement initiation and projections
//	│   ├── monitor/        # Protocol status polling
//	│   └── retrycoord/     # Failed-message retry scheduling
//	├── httpapi/            # REST API, websocket hub, audit log
//	├── system/             # Service lifecycle and cron scheduling
//	└── metrics/            # Prometheus metrics
//
// Business logic lives under services/; app itself only wires services to
// their stores, bridge adapters, and transports. Protocol adapters and the
// resilience kernel live outside this tree (internal/bridge,
// internal/resilience) because they carry no application state.
package app
