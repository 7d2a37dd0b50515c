// Package api exposes HTTP handlers for the quota ledger.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/vturrojas/quota-ledger/internal/domain"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/accounts", h.accounts)
	mux.HandleFunc("/v1/accounts/", h.accountSubtree)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) accounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createAccount(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// accountSubtree dispatches /v1/accounts/{id} and its child resources.
func (h *Handler) accountSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing account id")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getAccount(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		}
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.listEvents(w, r, id)
	case "usage":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.recordUsage(w, r, id)
	case "plan":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.changePlan(w, r, id)
	case "period":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.resetPeriod(w, r, id)
	case "suspend":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.suspendAccount(w, r, id)
	case "reinstate":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
			return
		}
		h.reinstateAccount(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	version, err := h.service.CreateAccount(r.Context(), domain.CreateAccount{
		AccountID:     req.AccountID,
		InitialPlanID: req.InitialPlanID,
		Period:        req.Period,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CommandResponse{AccountID: req.AccountID, StreamVersion: version})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	view, err := h.service.GetState(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AccountStateResponse{
		AccountID:     view.AccountID,
		Exists:        view.Exists,
		Status:        string(view.Status),
		PlanID:        view.PlanID,
		Period:        view.Period,
		Used:          view.Used,
		StreamVersion: view.StreamVersion,
		Source:        view.Source,
	})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request, id string) {
	var since int64
	if raw := r.URL.Query().Get("since_version"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "since_version must be a non-negative integer")
			return
		}
		since = parsed
	}

	events, err := h.service.ListEvents(r.Context(), id, since)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]EventView, 0, len(events))
	for _, e := range events {
		views = append(views, toEventView(e))
	}
	writeJSON(w, http.StatusOK, EventsResponse{AccountID: id, Events: views})
}

func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request, id string) {
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if strings.TrimSpace(idempotencyKey) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing Idempotency-Key header")
		return
	}

	var req RecordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	version, err := h.service.RecordUsage(r.Context(), domain.RecordUsage{
		AccountID:      id,
		Meter:          domain.Meter(req.Meter),
		Units:          req.Units,
		OccurredAt:     req.OccurredAt,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{AccountID: id, StreamVersion: version})
}

func (h *Handler) changePlan(w http.ResponseWriter, r *http.Request, id string) {
	var req ChangePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	version, err := h.service.ChangePlan(r.Context(), domain.ChangePlan{AccountID: id, NewPlanID: req.PlanID})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{AccountID: id, StreamVersion: version})
}

func (h *Handler) resetPeriod(w http.ResponseWriter, r *http.Request, id string) {
	var req ResetPeriodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	version, err := h.service.ResetPeriod(r.Context(), domain.ResetPeriod{AccountID: id, NewPeriod: req.Period})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{AccountID: id, StreamVersion: version})
}

func (h *Handler) suspendAccount(w http.ResponseWriter, r *http.Request, id string) {
	var req SuspendAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	version, err := h.service.SuspendAccount(r.Context(), domain.SuspendAccount{AccountID: id, Reason: req.Reason})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{AccountID: id, StreamVersion: version})
}

func (h *Handler) reinstateAccount(w http.ResponseWriter, r *http.Request, id string) {
	version, err := h.service.ReinstateAccount(r.Context(), domain.ReinstateAccount{AccountID: id})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CommandResponse{AccountID: id, StreamVersion: version})
}

// CreateAccountRequest is the payload for POST /v1/accounts.
type CreateAccountRequest struct {
	AccountID     string `json:"account_id"`
	InitialPlanID string `json:"initial_plan_id"`
	Period        string `json:"period"`
}

// Validate ensures request correctness.
func (r CreateAccountRequest) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return errors.New("account_id is required")
	}
	if strings.TrimSpace(r.InitialPlanID) == "" {
		return errors.New("initial_plan_id is required")
	}
	if !isPeriod(r.Period) {
		return errors.New("period must be formatted as YYYY-MM")
	}
	return nil
}

// RecordUsageRequest is the payload for POST /v1/accounts/{id}/usage. Units
// are deliberately not range-checked here; the aggregate owns that rule and
// rejects non-positive values as a conflict, not a malformed request.
type RecordUsageRequest struct {
	Meter      string `json:"meter"`
	Units      int64  `json:"units"`
	OccurredAt string `json:"occurred_at"`
}

// Validate ensures request correctness.
func (r RecordUsageRequest) Validate() error {
	if strings.TrimSpace(r.Meter) == "" {
		return errors.New("meter is required")
	}
	if !domain.KnownMeter(domain.Meter(r.Meter)) {
		return errors.New("meter must be one of: api_calls, storage_mb")
	}
	if strings.TrimSpace(r.OccurredAt) == "" {
		return errors.New("occurred_at is required")
	}
	return nil
}

// ChangePlanRequest is the payload for POST /v1/accounts/{id}/plan.
type ChangePlanRequest struct {
	PlanID string `json:"plan_id"`
}

// Validate ensures request correctness.
func (r ChangePlanRequest) Validate() error {
	if strings.TrimSpace(r.PlanID) == "" {
		return errors.New("plan_id is required")
	}
	return nil
}

// ResetPeriodRequest is the payload for POST /v1/accounts/{id}/period.
type ResetPeriodRequest struct {
	Period string `json:"period"`
}

// Validate ensures request correctness.
func (r ResetPeriodRequest) Validate() error {
	if !isPeriod(r.Period) {
		return errors.New("period must be formatted as YYYY-MM")
	}
	return nil
}

// SuspendAccountRequest is the payload for POST /v1/accounts/{id}/suspend.
type SuspendAccountRequest struct {
	Reason string `json:"reason"`
}

// Validate ensures request correctness.
func (r SuspendAccountRequest) Validate() error {
	if strings.TrimSpace(r.Reason) == "" {
		return errors.New("reason is required")
	}
	return nil
}

// CommandResponse reports where the stream landed after a successful command.
type CommandResponse struct {
	AccountID     string `json:"account_id"`
	StreamVersion int64  `json:"stream_version"`
}

// AccountStateResponse is the read model for GET /v1/accounts/{id}.
type AccountStateResponse struct {
	AccountID     string                 `json:"account_id"`
	Exists        bool                   `json:"exists"`
	Status        string                 `json:"status"`
	PlanID        string                 `json:"plan_id"`
	Period        string                 `json:"period"`
	Used          map[domain.Meter]int64 `json:"used"`
	StreamVersion int64                  `json:"stream_version"`
	Source        string                 `json:"source"`
}

// EventView exposes one stored event.
type EventView struct {
	Type           string         `json:"type"`
	SchemaVersion  int            `json:"schema_version"`
	OccurredAt     string         `json:"occurred_at"`
	IdempotencyKey *string        `json:"idempotency_key"`
	Payload        domain.Payload `json:"payload"`
}

// EventsResponse packages the event list for GET /v1/accounts/{id}/events.
type EventsResponse struct {
	AccountID string      `json:"account_id"`
	Events    []EventView `json:"events"`
}

// isPeriod reports whether value looks like "YYYY-MM".
func isPeriod(value string) bool {
	if len(value) != 7 || value[4] != '-' {
		return false
	}
	for i, c := range value {
		if i == 4 {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func toEventView(e domain.Envelope) EventView {
	view := EventView{
		Type:          string(e.Type()),
		SchemaVersion: e.SchemaVersion,
		OccurredAt:    e.OccurredAt,
		Payload:       e.Payload,
	}
	if e.IdempotencyKey != "" {
		key := e.IdempotencyKey
		view.IdempotencyKey = &key
	}
	return view
}

// writeDomainError maps domain failures onto the HTTP surface: missing
// aggregates are 404, rejected commands and concurrency losses are 409, and
// anything else is a server fault.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvariantViolation):
		writeError(w, http.StatusConflict, "invariant_violation", err.Error())
	case errors.Is(err, domain.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "concurrency_conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
