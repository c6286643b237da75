package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/repository"
	"deskmeter/internal/service"
)

type Handler struct {
	svc service.BillingService
	log logging.Logger
}

func NewHandler(svc service.BillingService, log logging.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /accounts", h.CreateAccount)
	mux.HandleFunc("GET /accounts/{id}", h.GetAccount)
	mux.HandleFunc("POST /accounts/{id}/recharge", h.Recharge)
	mux.HandleFunc("POST /accounts/{id}/deduct", h.Deduct)
	mux.HandleFunc("GET /accounts/{id}/adjustments", h.ListAdjustments)
	mux.HandleFunc("GET /accounts/{id}/charges", h.ListCharges)
	mux.HandleFunc("GET /accounts/{id}/statistics", h.Statistics)
	mux.HandleFunc("GET /accounts/{id}/session", h.CurrentSession)
	mux.HandleFunc("GET /accounts/{id}/reconcile", h.ReconcileAccount)

	mux.HandleFunc("POST /sessions", h.CreateSession)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.DeleteSession)
	mux.HandleFunc("POST /sessions/{id}/start", h.StartSession)
	mux.HandleFunc("POST /sessions/{id}/stop", h.StopSession)
	mux.HandleFunc("GET /sessions/{id}/status", h.SessionStatus)
	mux.HandleFunc("GET /sessions/{id}/logs", h.SessionLogs)
	mux.HandleFunc("GET /sessions/{id}/reconcile", h.ReconcileSession)

	mux.HandleFunc("GET /pricing", h.GetPricing)
	mux.HandleFunc("PUT /pricing", h.UpdatePricing)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.svc.CreateAccount(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, acct)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	acct, err := h.svc.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, acct)
}

func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	h.balanceChange(w, r, h.svc.Recharge)
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	h.balanceChange(w, r, h.svc.Deduct)
}

func (h *Handler) balanceChange(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, req model.BalanceChangeRequest) (*model.BalanceAdjustment, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req model.BalanceChangeRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.AccountID = id
	adj, err := apply(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, adj)
}

func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	adjs, err := h.svc.ListAdjustments(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, adjs)
}

// ListCharges accepts optional session_id, from, to (RFC 3339), limit and offset query parameters.
func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	filter, err := chargeFilter(r, id)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	charges, err := h.svc.ListCharges(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, charges)
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	stats, err := h.svc.Statistics(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.CurrentSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sess)
}

func (h *Handler) ReconcileAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	report, err := h.svc.ReconcileAccount(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"report": report, "consistent": report.Consistent()})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	handle, err := h.svc.CreateSession(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, handle)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sess)
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.DeleteSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, sess)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	handle, err := h.svc.StartSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, handle)
}

func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.StopSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetSessionStatus(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

func (h *Handler) SessionLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	logs, err := h.svc.SessionLogs(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, logs)
}

func (h *Handler) ReconcileSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	report, err := h.svc.ReconcileSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"report": report, "consistent": report.Consistent()})
}

func (h *Handler) GetPricing(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPricing(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdatePricing(w http.ResponseWriter, r *http.Request) {
	var req model.PricingUpdate
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.svc.UpdatePricing(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid_id")
		return 0, false
	}
	return id, true
}

func chargeFilter(r *http.Request, accountID int64) (repository.ChargeFilter, error) {
	q := r.URL.Query()
	f := repository.ChargeFilter{AccountID: accountID}
	var err error
	if v := q.Get("session_id"); v != "" {
		if f.SessionID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return f, errors.New("invalid session_id")
		}
	}
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("invalid from")
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("invalid to")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errors.New("invalid limit")
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, errors.New("invalid offset")
		}
	}
	return f, nil
}

// StatusCode maps domain errors onto HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrResourceConflict), errors.Is(err, model.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrPersistenceConflict):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logging.Fields{"error": err}).Error("request failed")
	}
	h.respondError(w, status, err.Error())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
