package feed

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/taskvault/server/escalation"
	"github.com/taskvault/server/lifecycle"
	"github.com/taskvault/server/logger"
	"github.com/taskvault/server/plan"
	"github.com/taskvault/server/task"
	"github.com/taskvault/server/vault"
	"github.com/taskvault/server/watch"
)

// TaskControl retries a task stuck in the error state.
type TaskControl interface {
	Retry(ctx context.Context, id string) error
}

type Deps struct {
	Root     string
	Status   StatusSource
	Control  TaskControl
	Tasks    task.Store
	Plans    plan.Store
	Errors   escalation.Store
	TaskList *watch.TaskListWatcher
	Events   *EventWatcher
}

// RPCHandler serves the feed's JSON-RPC 2.0 methods over WebSocket.
type RPCHandler struct {
	token   string
	version string
	devMode bool
	deps    Deps
	methods map[string]method
}

// method handles one JSON-RPC call. A returned *jsonrpc2.Error is sent as
// is; any other error is reported as an internal error.
type method func(ctx context.Context, c *session, params json.RawMessage) (any, error)

func NewRPCHandler(token, version string, devMode bool, deps Deps) *RPCHandler {
	h := &RPCHandler{
		token:   token,
		version: version,
		devMode: devMode,
		deps:    deps,
	}
	h.methods = map[string]method{
		"status.get":             h.statusGet,
		"task.get":               h.taskGet,
		"task.retry":             h.taskRetry,
		"plan.get":               h.planGet,
		"errors.list":            h.errorsList,
		"tasks.list.subscribe":   h.taskListSubscribe,
		"events.subscribe":       h.eventsSubscribe,
		"tasks.list.unsubscribe": h.unsubscribe,
		"events.unsubscribe":     h.unsubscribe,
	}
	return h
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.HandleStream(r.Context(), newFrameStream(r.Context(), conn), uuid.Must(uuid.NewV7()).String())
}

// HandleStream serves one client until it disconnects, then drops its
// subscriptions.
func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "feed connection crashed", "connId", connID)
		}
	}()

	s := &session{
		rpc:  h,
		id:   connID,
		log:  slog.With("connId", connID),
		subs: make(map[string]unsubscriber),
	}
	s.log.Info("feed client connected")

	s.ready = make(chan struct{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(s))
	s.conn = conn
	s.notifier = NewJSONRPCNotifier(conn)
	close(s.ready)

	<-conn.DisconnectNotify()
	s.dropSubscriptions()
	s.log.Info("feed client disconnected")
}

type unsubscriber interface {
	Unsubscribe(id string)
}

// session is the per-connection state.
type session struct {
	rpc *RPCHandler
	id  string
	log *slog.Logger

	ready    chan struct{}
	conn     *jsonrpc2.Conn
	notifier *JSONRPCNotifier

	authed atomic.Bool

	mu   sync.Mutex
	subs map[string]unsubscriber
}

func (s *session) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "feed method panicked", "method", req.Method, "connId", s.id)
			s.replyError(ctx, conn, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "internal error"})
		}
	}()
	<-s.ready

	s.log.Debug("feed request", "method", req.Method, "id", req.ID)
	params := rawParams(req)

	if !s.authed.Load() {
		if err := s.authenticate(req.Method, params); err != nil {
			s.replyError(ctx, conn, req.ID, err)
			conn.Close()
			return
		}
		s.reply(ctx, conn, req.ID, AuthResult{Version: s.rpc.version, Root: s.rpc.deps.Root})
		return
	}

	m, ok := s.rpc.methods[req.Method]
	if !ok {
		s.replyError(ctx, conn, req.ID, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not found: " + req.Method})
		return
	}
	result, err := m(ctx, s, params)
	if err != nil {
		s.replyError(ctx, conn, req.ID, asRPCError(err))
		return
	}
	s.reply(ctx, conn, req.ID, result)
}

func (s *session) authenticate(methodName string, params json.RawMessage) *jsonrpc2.Error {
	if methodName != "auth" {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "first request must be auth"}
	}
	var p AuthParams
	if err := decode(params, &p, true); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(p.Token), []byte(s.rpc.token)) != 1 {
		s.log.Warn("feed client sent an invalid token")
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "invalid token"}
	}
	s.authed.Store(true)
	s.log.Info("feed client authenticated")
	return nil
}

func (s *session) track(id string, w unsubscriber) {
	s.mu.Lock()
	s.subs[id] = w
	s.mu.Unlock()
}

func (s *session) untrack(id string) (unsubscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.subs[id]
	delete(s.subs, id)
	return w, ok
}

func (s *session) dropSubscriptions() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]unsubscriber)
	s.mu.Unlock()

	for id, w := range subs {
		w.Unsubscribe(id)
	}
}

func (s *session) reply(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, result any) {
	if err := conn.Reply(ctx, id, result); err != nil {
		s.log.Error("failed to send response", "error", err)
	}
}

func (s *session) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, rpcErr *jsonrpc2.Error) {
	if err := conn.ReplyWithError(ctx, id, rpcErr); err != nil {
		s.log.Error("failed to send error response", "error", err)
	}
}

func (h *RPCHandler) statusGet(context.Context, *session, json.RawMessage) (any, error) {
	return h.deps.Status.Status(), nil
}

func (h *RPCHandler) taskGet(_ context.Context, _ *session, params json.RawMessage) (any, error) {
	var p TaskGetParams
	if err := decode(params, &p, true); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	return h.deps.Tasks.Get(p.ID)
}

func (h *RPCHandler) taskRetry(ctx context.Context, _ *session, params json.RawMessage) (any, error) {
	if h.deps.Control == nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "task control is not available"}
	}
	var p TaskRetryParams
	if err := decode(params, &p, true); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	if err := h.deps.Control.Retry(ctx, p.ID); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (h *RPCHandler) planGet(_ context.Context, _ *session, params json.RawMessage) (any, error) {
	var p PlanGetParams
	if err := decode(params, &p, true); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, invalidParams("task_id is required")
	}
	pl, err := h.deps.Plans.Get(p.TaskID)
	if err != nil {
		return nil, err
	}
	return PlanGetResult{Plan: pl, Progress: pl.Progress()}, nil
}

func (h *RPCHandler) errorsList(_ context.Context, _ *session, params json.RawMessage) (any, error) {
	var p ErrorsListParams
	if err := decode(params, &p, false); err != nil {
		return nil, err
	}
	list := h.deps.Errors.List
	if p.OpenOnly {
		list = h.deps.Errors.ListOpen
	}
	reports, err := list()
	if err != nil {
		return nil, err
	}
	if reports == nil {
		reports = []escalation.Report{}
	}
	return ErrorsListResult{Reports: reports}, nil
}

func (h *RPCHandler) taskListSubscribe(_ context.Context, s *session, params json.RawMessage) (any, error) {
	var p TaskListSubscribeParams
	if err := decode(params, &p, false); err != nil {
		return nil, err
	}
	for _, st := range p.Stages {
		if !slices.Contains(task.Stages(), st) {
			return nil, invalidParams("unknown stage: " + string(st))
		}
	}
	for _, loc := range p.Locations {
		if !slices.Contains(vault.All, loc) {
			return nil, invalidParams("unknown location: " + string(loc))
		}
	}

	id, view, err := h.deps.TaskList.Subscribe(s.notifier, watch.Board{Stages: p.Stages, Locations: p.Locations})
	if err != nil {
		return nil, err
	}
	s.track(id, h.deps.TaskList)
	return TaskListSubscribeResult{ID: id, Tasks: view.Tasks, Counts: view.Counts}, nil
}

func (h *RPCHandler) eventsSubscribe(_ context.Context, s *session, _ json.RawMessage) (any, error) {
	id := h.deps.Events.Subscribe(s.notifier)
	s.track(id, h.deps.Events)
	return SubscribeResult{ID: id}, nil
}

func (h *RPCHandler) unsubscribe(_ context.Context, s *session, params json.RawMessage) (any, error) {
	var p UnsubscribeParams
	if err := decode(params, &p, true); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	if w, ok := s.untrack(p.ID); ok {
		w.Unsubscribe(p.ID)
	}
	s.log.Debug("unsubscribed", "subscription", p.ID)
	return struct{}{}, nil
}

func invalidParams(msg string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: msg}
}

// asRPCError maps an unknown id, or a retry of a task that is not in the
// error state, to invalid params so clients can tell it from a server fault.
func asRPCError(err error) *jsonrpc2.Error {
	var rpcErr *jsonrpc2.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, task.ErrNotFound), errors.Is(err, plan.ErrNotFound), errors.Is(err, escalation.ErrNotFound),
		errors.Is(err, lifecycle.ErrNotErrored), errors.Is(err, lifecycle.ErrTaskBusy):
		return invalidParams(err.Error())
	default:
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
	}
}

func rawParams(req *jsonrpc2.Request) json.RawMessage {
	if req.Params == nil {
		return nil
	}
	return *req.Params
}

func decode(params json.RawMessage, v any, required bool) *jsonrpc2.Error {
	if len(params) == 0 {
		if required {
			return invalidParams("params required")
		}
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: " + err.Error())
	}
	return nil
}
