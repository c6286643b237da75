package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/service"
)

const (
	SubjectCreate = "commands.session.create"
	SubjectStart  = "commands.session.start"
	SubjectStop   = "commands.session.stop"
	SubjectDelete = "commands.session.delete"
	SubjectStatus = "commands.session.status"

	queueGroup = "deskmeter_commands"
)

var subjects = []string{SubjectCreate, SubjectStart, SubjectStop, SubjectDelete, SubjectStatus}

// SessionCommand addresses an existing session.
type SessionCommand struct {
	SessionID int64 `json:"session_id"`
}

// Reply is the request/reply envelope. Exactly one of Data and Error is set.
type Reply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// Handler subscribes to NATS command subjects and delegates to the billing service.
type Handler struct {
	svc  service.BillingService
	nc   *nats.Conn
	log  logging.Logger
	subs []*nats.Subscription
}

func NewHandler(svc service.BillingService, nc *nats.Conn, log logging.Logger) *Handler {
	return &Handler{svc: svc, nc: nc, log: log}
}

// Start subscribes to command subjects and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	for _, subject := range subjects {
		sub, err := h.nc.QueueSubscribe(subject, queueGroup, func(m *nats.Msg) {
			reply := h.Dispatch(ctx, m.Subject, m.Data)
			if m.Reply == "" {
				return
			}
			if err := m.Respond(reply); err != nil {
				h.log.WithFields(logging.Fields{"subject": m.Subject, "error": err}).Warn("nats: failed to send reply")
			}
		})
		if err != nil {
			return fmt.Errorf("nats: subscribe %s: %w", subject, err)
		}
		h.subs = append(h.subs, sub)
	}

	h.log.Info("NATS command handler is running")

	<-ctx.Done()
	h.log.Info("NATS command handler shutting down, draining subscriptions")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

// Dispatch executes one command and returns the encoded Reply.
func (h *Handler) Dispatch(ctx context.Context, subject string, data []byte) []byte {
	res, err := h.execute(ctx, subject, data)
	var reply Reply
	if err == nil {
		reply.Data, err = json.Marshal(res)
	}
	if err != nil {
		reply = Reply{Error: err.Error(), Code: ErrorCode(err)}
		h.log.WithFields(logging.Fields{"subject": subject, "code": reply.Code, "error": err}).Warn("nats: command failed")
	}
	out, _ := json.Marshal(reply)
	return out
}

func (h *Handler) execute(ctx context.Context, subject string, data []byte) (any, error) {
	if subject == SubjectCreate {
		var req model.CreateSessionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
		}
		return h.svc.CreateSession(ctx, req)
	}

	var cmd SessionCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	switch subject {
	case SubjectStart:
		return h.svc.StartSession(ctx, cmd.SessionID)
	case SubjectStop:
		return h.svc.StopSession(ctx, cmd.SessionID)
	case SubjectDelete:
		return h.svc.DeleteSession(ctx, cmd.SessionID)
	case SubjectStatus:
		return h.svc.GetSessionStatus(ctx, cmd.SessionID)
	}
	return nil, fmt.Errorf("%w: unknown subject %q", model.ErrInvalidInput, subject)
}

// ErrorCode is the machine-readable reply code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, model.ErrResourceConflict):
		return "conflict"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, model.ErrProvider):
		return "provider_error"
	case errors.Is(err, model.ErrPersistenceConflict):
		return "retry"
	}
	return "internal"
}
