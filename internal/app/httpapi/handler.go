// Package httpapi exposes the settlement REST API and the realtime status
// websocket.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/crosslane-network/settlement_layer/internal/app/metrics"
	"github.com/crosslane-network/settlement_layer/internal/app/services/orchestrator"
	"github.com/crosslane-network/settlement_layer/internal/app/storage"
	"github.com/crosslane-network/settlement_layer/internal/resilience"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

var startedAt = time.Now()

// handler bundles the HTTP endpoints over the orchestrator.
type handler struct {
	orch        *orchestrator.Service
	settlements storage.SettlementStore
	breakers    *resilience.Registry
	hub         *Hub
	audit       *auditLog
	log         *logger.Logger
}

// NewHandler returns the router exposing the settlement REST API, the
// websocket endpoint, health, and metrics.
func NewHandler(orch *orchestrator.Service, settlements storage.SettlementStore,
	breakers *resilience.Registry, hub *Hub, auditPath string, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := newFileAuditSink(auditPath)
	if err != nil {
		log.WithError(err).Warn("audit sink disabled")
	}

	h := &handler{
		orch:        orch,
		settlements: settlements,
		breakers:    breakers,
		hub:         hub,
		audit:       newAuditLog(200, sink),
		log:         log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/settlements", h.initiateSettlement).Methods(http.MethodPost)
	r.HandleFunc("/settlements", h.listSettlements).Methods(http.MethodGet)
	r.HandleFunc("/settlements/{id}", h.settlementStatus).Methods(http.MethodGet)
	r.HandleFunc("/collateral/{userID}", h.collateral).Methods(http.MethodGet)
	r.HandleFunc("/breakers", h.breakerStates).Methods(http.MethodGet)
	r.HandleFunc("/audit", h.auditEntries).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if hub != nil {
		r.HandleFunc("/ws", hub.HandleWS)
	}

	return metrics.InstrumentHandler(h.withAudit(r))
}

func (h *handler) initiateSettlement(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SourceChain        string  `json:"source_chain"`
		DestinationChain   string  `json:"destination_chain"`
		SourceAddress      string  `json:"source_address"`
		DestinationAddress string  `json:"destination_address"`
		Asset              string  `json:"asset"`
		Amount             float64 `json:"amount"`
		Protocol           string  `json:"protocol"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.orch.InitiateSettlement(r.Context(), orchestrator.InitiateRequest{
		SourceChain:        payload.SourceChain,
		DestinationChain:   payload.DestinationChain,
		SourceAddress:      payload.SourceAddress,
		DestinationAddress: payload.DestinationAddress,
		Asset:              payload.Asset,
		Amount:             payload.Amount,
		Protocol:           payload.Protocol,
	})
	if err != nil {
		metrics.RecordSettlementInitiated(payload.Protocol, "error")
		// The settlement record may still exist (failed state); return it
		// alongside the error so the caller can track it.
		status := statusForKind(orchestrator.KindOf(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":      err.Error(),
			"settlement": rec,
		})
		return
	}

	metrics.RecordSettlementInitiated(payload.Protocol, "ok")
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) listSettlements(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := h.settlements.ListSettlements(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) settlementStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	view, err := h.orch.SettlementStatus(r.Context(), id)
	if err != nil {
		writeError(w, statusForKind(orchestrator.KindOf(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) collateral(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	snap, err := h.orch.CollateralSnapshot(r.Context(), userID)
	if err != nil {
		writeError(w, statusForKind(orchestrator.KindOf(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) breakerStates(w http.ResponseWriter, r *http.Request) {
	states := map[string]string{}
	if h.breakers != nil {
		for dep, st := range h.breakers.States() {
			states[dep] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(startedAt).Seconds()),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["memory_used_percent"] = vm.UsedPercent
	}
	writeJSON(w, http.StatusOK, body)
}

// withAudit records mutating requests in the ring-buffer audit log.
func (h *handler) withAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		rec := &auditRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

type auditRecorder struct {
	http.ResponseWriter
	status int
}

func (r *auditRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusForKind(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindUnsupported:
		return http.StatusUnprocessableEntity
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
