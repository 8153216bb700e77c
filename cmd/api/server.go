package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"swapflow/exchange"
	"swapflow/logger"
)

const (
	headerUserID    = "X-User-ID"
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 16 << 10

	maxMessageLength = 1000
)

type ctxKey string

const (
	ctxKeyUserID    ctxKey = "userID"
	ctxKeyRequestID ctxKey = "requestID"
)

// exchangeService is the slice of exchange.Service the transport calls.
type exchangeService interface {
	Create(ctx context.Context, p exchange.CreateParams) (exchange.Projection, error)
	Accept(ctx context.Context, p exchange.TransitionParams) (exchange.Projection, error)
	Decline(ctx context.Context, p exchange.TransitionParams) (exchange.Projection, error)
	Cancel(ctx context.Context, p exchange.TransitionParams) (exchange.Projection, error)
	Complete(ctx context.Context, p exchange.TransitionParams) (exchange.Projection, error)
	Get(ctx context.Context, id int64) (exchange.Projection, bool, error)
}

type Server struct {
	exchanges exchangeService
	log       *logger.Logger
	tracer    trace.Tracer
}

func NewServer(exchanges exchangeService, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	return &Server{
		exchanges: exchanges,
		log:       log,
		tracer:    otel.Tracer("swapflow/http"),
	}
}

// Routes returns the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/exchanges", s.requireUser(s.handleCreateExchange))
	mux.HandleFunc("GET /api/v1/exchanges/{id}", s.requireUser(s.handleGetExchange))
	mux.HandleFunc("POST /api/v1/exchanges/{id}/{action}", s.requireUser(s.handleTransition))

	return s.withRequestID(s.withTracing(s.withLogging(s.withRecover(mux))))
}

type createExchangeRequest struct {
	OfferedItemID   int64  `json:"offeredItemId"`
	RequestedItemID int64  `json:"requestedItemId"`
	Message         string `json:"message"`
}

type transitionRequest struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

type exchangeResponse struct {
	ID              int64    `json:"id"`
	InitiatorID     int64    `json:"initiatorId"`
	ReceiverID      int64    `json:"receiverId"`
	OfferedItemID   int64    `json:"offeredItemId"`
	RequestedItemID int64    `json:"requestedItemId"`
	Status          string   `json:"status"`
	CreatedAt       string   `json:"createdAt"`
	UpdatedAt       *string  `json:"updatedAt"`
	AllowedActions  []string `json:"allowedActions"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateExchange(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var req createExchangeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.OfferedItemID <= 0 || req.RequestedItemID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "offeredItemId and requestedItemId are required")
		return
	}
	if utf8.RuneCountInString(req.Message) > maxMessageLength {
		writeError(w, http.StatusBadRequest, "bad_request", "message exceeds 1000 characters")
		return
	}

	proj, err := s.exchanges.Create(r.Context(), exchange.CreateParams{
		InitiatorID:     userID,
		OfferedItemID:   req.OfferedItemID,
		RequestedItemID: req.RequestedItemID,
		Message:         req.Message,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toExchangeResponse(proj, userID))
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	proj, found, err := s.exchanges.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "exchange not found")
		return
	}

	writeJSON(w, http.StatusOK, toExchangeResponse(proj, userIDFrom(r.Context())))
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var call func(context.Context, exchange.TransitionParams) (exchange.Projection, error)
	switch r.PathValue("action") {
	case "accept":
		call = s.exchanges.Accept
	case "decline":
		call = s.exchanges.Decline
	case "cancel":
		call = s.exchanges.Cancel
	case "complete":
		call = s.exchanges.Complete
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
		return
	}

	var req transitionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	note := req.Reason
	if strings.TrimSpace(note) == "" {
		note = req.Note
	}

	userID := userIDFrom(r.Context())
	proj, err := call(r.Context(), exchange.TransitionParams{
		ExchangeID: id,
		ActorID:    userID,
		Note:       note,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toExchangeResponse(proj, userID))
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, exchange.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, exchange.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, exchange.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, exchange.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, exchange.ErrOpenOfferExists):
		writeError(w, http.StatusConflict, "open_offer_exists", err.Error())
	case errors.Is(err, exchange.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, "concurrent_update", err.Error())
	default:
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func toExchangeResponse(p exchange.Projection, callerID int64) exchangeResponse {
	resp := exchangeResponse{
		ID:              p.ID,
		InitiatorID:     p.InitiatorID,
		ReceiverID:      p.ReceiverID,
		OfferedItemID:   p.OfferedItemID,
		RequestedItemID: p.RequestedItemID,
		Status:          p.Status,
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
		AllowedActions:  []string{},
	}
	if p.UpdatedAt != nil {
		ts := p.UpdatedAt.UTC().Format(time.RFC3339)
		resp.UpdatedAt = &ts
	}
	for _, a := range exchange.Allowed(exchange.Status(p.Status), p.InitiatorID, p.ReceiverID, callerID) {
		resp.AllowedActions = append(resp.AllowedActions, strings.ToLower(string(a)))
	}
	return resp
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid exchange id")
		return 0, false
	}
	return id, true
}

// decodeJSON reads a size-limited body and rejects unknown fields. With
// allowEmpty an absent body leaves dst zeroed.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("invalid request body: " + err.Error())
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKeyUserID).(int64)
	return id
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// requireUser reads the authenticated caller from X-User-ID.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(headerUserID))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+headerUserID+" header")
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid "+headerUserID+" header")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, id)))
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, requestID)))
	})
}

func (s *Server) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("request.id", requestIDFrom(r.Context())),
			),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.log.Error("panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestIDFrom(r.Context()),
					"panic", recovered,
				)
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
