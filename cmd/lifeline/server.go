package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lifeline/internal/broadcast"
	"lifeline/internal/constants"
	"lifeline/internal/errors"
	"lifeline/internal/events"
	"lifeline/internal/metrics"
	"lifeline/internal/middleware"
	"lifeline/internal/models"
	"lifeline/internal/service"
	"lifeline/internal/tracing"
	"lifeline/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	engine  *service.Engine
	cfg     *models.Config
	verbose bool
	server  *http.Server
}

func NewServer(cfg *models.Config, engine *service.Engine, logger *logrus.Logger, verbose bool) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		engine:  engine,
		cfg:     cfg,
		verbose: verbose,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.Recover(s.logger),
		middleware.Observability(s.logger),
		middleware.BearerAuth(s.cfg.Server.AuthToken, s.logger, "/health"),
	)

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/messages", s.handleSendMessage()).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{id}", s.handleOpenMessage()).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{id}/status", s.handleDeliveryStatus()).Methods(http.MethodGet)

	v1.HandleFunc("/conversations/{id}", s.handleSnapshot()).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/messages", s.handleListMessages()).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/read", s.handleMarkRead()).Methods(http.MethodPost)

	v1.HandleFunc("/sync", s.handleSync()).Methods(http.MethodPost)

	v1.HandleFunc("/broadcasts", s.handleSubmitBroadcast()).Methods(http.MethodPost)
	v1.HandleFunc("/broadcasts/{id}", s.handleGetBroadcast()).Methods(http.MethodGet)
	v1.HandleFunc("/broadcasts/{id}/cancel", s.handleCancelBroadcast()).Methods(http.MethodPost)
	v1.HandleFunc("/broadcasts/{id}/confirmations", s.handleConfirmDelivery()).Methods(http.MethodPost)

	v1.HandleFunc("/queue", s.handleQueueDepth()).Methods(http.MethodGet)
	v1.HandleFunc("/queue/failed", s.handleFailedOperations()).Methods(http.MethodGet)
	v1.HandleFunc("/queue/{id}/retry", s.handleRetryOperation()).Methods(http.MethodPost)

	v1.HandleFunc("/conflicts", s.handleConflicts()).Methods(http.MethodGet)
	v1.HandleFunc("/conflicts/{id}/settle", s.handleSettleConflict()).Methods(http.MethodPost)

	v1.HandleFunc("/keys", s.handleKeyFingerprint()).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", s.handleSessions()).Methods(http.MethodGet)

	v1.HandleFunc("/events", s.handleEvents()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	port := s.cfg.Server.Port
	if port == 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  seconds(s.cfg.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec),
		WriteTimeout: seconds(s.cfg.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec),
		IdleTimeout:  seconds(s.cfg.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec),
	}

	s.logger.Infof("Starting server on port %d", port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// requestContext carries the daemon's verbose flag into handler contexts.
func (s *Server) requestContext(r *http.Request) context.Context {
	return service.WithVerbose(r.Context(), s.verbose)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":  "healthy",
			"version": Version,
			"online":  s.engine.Online(),
		}
		if err := s.engine.Health(r.Context()); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			status["status"] = "unhealthy"
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		if depth, err := s.engine.QueueDepth(r.Context()); err == nil {
			status["queue"] = depth
		}
		writeJSON(w, http.StatusOK, status)
	}
}

type sendMessageRequest struct {
	MessageID      string                 `json:"message_id"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	RecipientID    string                 `json:"recipient_id,omitempty"`
	GroupID        string                 `json:"group_id,omitempty"`
	Members        []string               `json:"members,omitempty"`
	Anonymous      bool                   `json:"anonymous,omitempty"`
	Type           models.MessageType     `json:"type,omitempty"`
	ContentType    string                 `json:"content_type,omitempty"`
	Text           string                 `json:"text,omitempty"`
	Data           []byte                 `json:"data,omitempty"`
	Level          models.EncryptionLevel `json:"level,omitempty"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if !s.decode(w, r, &req) {
			return
		}
		body := req.Data
		if len(body) == 0 && req.Text != "" {
			body = []byte(req.Text)
			if req.ContentType == "" {
				req.ContentType = "text/plain; charset=utf-8"
			}
		}

		ctx := s.requestContext(r)
		msg, err := s.engine.SendMessage(ctx, service.SendRequest{
			MessageID:      req.MessageID,
			ConversationID: req.ConversationID,
			RecipientID:    req.RecipientID,
			GroupID:        req.GroupID,
			Members:        req.Members,
			Anonymous:      req.Anonymous,
			Type:           req.Type,
			ContentType:    req.ContentType,
			Body:           body,
			Level:          req.Level,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		service.LogMessageEvent(ctx, s.logger, "Message accepted", msg.ConversationID, msg.ID, req.RecipientID)
		writeJSON(w, http.StatusAccepted, msg)
	}
}

type openMessageResponse struct {
	MessageID   string             `json:"message_id"`
	SenderID    string             `json:"sender_id,omitempty"`
	Type        models.MessageType `json:"type"`
	ContentType string             `json:"content_type,omitempty"`
	Body        []byte             `json:"body"`
	SentAt      time.Time          `json:"sent_at"`
}

func (s *Server) handleOpenMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		frame, err := s.engine.OpenMessage(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, openMessageResponse{
			MessageID:   id,
			SenderID:    frame.SenderID,
			Type:        frame.Type,
			ContentType: frame.ContentType,
			Body:        frame.Body,
			SentAt:      frame.SentAt,
		})
	}
}

func (s *Server) handleDeliveryStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		q := r.URL.Query()
		if members := splitList(q.Get("members")); len(members) > 0 {
			group, err := s.engine.GroupStatus(r.Context(), id, members)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, group)
			return
		}
		status, err := s.engine.DeliveryStatus(r.Context(), id, q.Get("recipient"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) handleSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.engine.Snapshot(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after, err := queryInt64(r, "after")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		limit, err := queryLimit(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		msgs, err := s.engine.Messages(r.Context(), mux.Vars(r)["id"], after, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	}
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func (s *Server) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req markReadRequest
		if !s.decode(w, r, &req) {
			return
		}
		snap, err := s.engine.MarkRead(s.requestContext(r), mux.Vars(r)["id"], req.MessageIDs)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			result models.SyncResult
			err    error
		)
		if r.URL.Query().Get("mode") == string(models.SyncFull) {
			result, err = s.engine.SyncFull(r.Context())
		} else {
			result, err = s.engine.SyncNow(r.Context())
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type broadcastRequest struct {
	Scope    models.BroadcastScope `json:"scope"`
	Body     string                `json:"body"`
	Priority *models.Priority      `json:"priority,omitempty"`
	Channels []models.Channel      `json:"channels,omitempty"`
}

func (s *Server) handleSubmitBroadcast() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req broadcastRequest
		if !s.decode(w, r, &req) {
			return
		}
		priority := models.PriorityEmergency
		if req.Priority != nil {
			priority = *req.Priority
		}
		job, err := s.engine.SubmitBroadcast(r.Context(), broadcast.Request{
			SenderID: s.cfg.Account.AccountID,
			Scope:    req.Scope,
			Body:     []byte(req.Body),
			Priority: priority,
			Channels: req.Channels,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (s *Server) handleGetBroadcast() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.engine.Broadcast(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleCancelBroadcast() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.engine.CancelBroadcast(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type confirmationRequest struct {
	RecipientID string               `json:"recipient_id"`
	Channel     models.Channel       `json:"channel"`
	State       models.DeliveryState `json:"state"`
	Reason      string               `json:"reason,omitempty"`
}

func (s *Server) handleConfirmDelivery() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmationRequest
		if !s.decode(w, r, &req) {
			return
		}
		job, err := s.engine.ConfirmDelivery(r.Context(), mux.Vars(r)["id"], req.RecipientID, req.Channel, req.State, req.Reason)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleQueueDepth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth, err := s.engine.QueueDepth(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, depth)
	}
}

func (s *Server) handleFailedOperations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ops, err := s.engine.FailedOperations(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
	}
}

func (s *Server) handleRetryOperation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.engine.RetryOperation(s.requestContext(r), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(models.OpPending)})
	}
}

func (s *Server) handleConflicts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
		records, err := s.engine.Conflicts(r.Context(), unresolvedOnly, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": records})
	}
}

type settleRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSettleConflict() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			s.writeError(w, r, errors.NewValidationError("id", mux.Vars(r)["id"], "conflict id must be numeric"))
			return
		}
		var req settleRequest
		if !s.decode(w, r, &req) {
			return
		}
		snap, err := s.engine.SettleConflict(r.Context(), id, req.Value)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleKeyFingerprint() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if contacts := splitList(r.URL.Query().Get("contacts")); len(contacts) > 0 {
			infos, err := s.engine.ContactKeys(r.Context(), contacts)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"keys": infos})
			return
		}
		info, err := s.engine.KeyFingerprint(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func (s *Server) handleSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := s.engine.Sessions(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

// decode reads a size-limited JSON body. On failure it writes the error
// response and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength > 0 {
		if err := validation.ValidateHTTPRequestSize(r, constants.MaxRequestBodyBytes); err != nil {
			s.writeError(w, r, err)
			return false
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid JSON body").
			WithUserMessage("request body is not valid JSON for this endpoint"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusCode(err)
	requestID := tracing.GetRequestID(r.Context())
	entry := s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"route":      r.URL.Path,
		"code":       errors.GetCode(err),
	})
	if status >= http.StatusInternalServerError {
		tracing.RecordError(r.Context(), err)
		entry.WithError(err).Error("Request failed")
	} else {
		entry.WithError(err).Debug("Request rejected")
	}
	writeJSON(w, status, errors.ToHTTPResponse(err, requestID))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return constants.DefaultAPIListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewValidationError("limit", raw, "limit must be a number")
	}
	if err := validation.ValidateNumericRange(limit, "limit", 1, constants.MaxAPIListLimit); err != nil {
		return 0, err
	}
	return limit, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.NewValidationError(name, raw, name+" must be a non-negative number")
	}
	return v, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func eventTypes(raw string) []events.Type {
	var types []events.Type
	for _, t := range splitList(raw) {
		types = append(types, events.Type(t))
	}
	return types
}
