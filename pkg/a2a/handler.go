package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/siddimore/x402-credits-paywall/pkg/jsonrpc"
	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
)

// TaskNotFound is the A2A error code for unknown tasks
const TaskNotFound = -32001

// RequestContext is what an executor receives
type RequestContext struct {
	TaskID    string
	ContextID string
	Message   Message
	Auth      *paywall.AuthorizationRecord
}

// Executor runs agent work and publishes its progress on the queue. The
// terminal status event carries creditsUsed when the work is billable.
type Executor interface {
	Execute(ctx context.Context, req RequestContext, queue *EventQueue) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, req RequestContext, queue *EventQueue) error

func (f ExecutorFunc) Execute(ctx context.Context, req RequestContext, queue *EventQueue) error {
	return f(ctx, req, queue)
}

// HandlerConfig configures a RequestHandler
type HandlerConfig struct {
	Paywall   *paywall.Paywall
	Executor  Executor
	Tasks     TaskStore
	Results   ResultManager
	Store     *CorrelationStore
	Configs   RedemptionConfigSource
	Logger    *zerolog.Logger
	QueueSize int
}

// RequestHandler is the A2A JSON-RPC binding: message/send, tasks/get and
// tasks/cancel over HTTP POST.
type RequestHandler struct {
	pw        *paywall.Paywall
	executor  Executor
	tasks     TaskStore
	results   ResultManager
	store     *CorrelationStore
	finalizer *Finalizer
	logger    zerolog.Logger
	queueSize int

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRequestHandler creates the A2A handler
func NewRequestHandler(cfg HandlerConfig) *RequestHandler {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "a2a").Logger()
	}

	tasks := cfg.Tasks
	results := cfg.Results
	if tasks == nil {
		mem := NewInMemoryTaskStore()
		tasks = mem
		if results == nil {
			results = mem
		}
	}
	if results == nil {
		if rm, ok := tasks.(ResultManager); ok {
			results = rm
		}
	}

	store := cfg.Store
	if store == nil {
		store = NewCorrelationStore()
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 16
	}

	// Without a paywall every call fails as misconfigured
	if cfg.Paywall == nil {
		cfg.Paywall = paywall.New(paywall.Config{})
	}

	h := &RequestHandler{
		pw:        cfg.Paywall,
		executor:  cfg.Executor,
		tasks:     tasks,
		results:   results,
		store:     store,
		logger:    logger,
		queueSize: cfg.QueueSize,
		running:   make(map[string]*run),
	}
	h.finalizer = NewFinalizer(FinalizerConfig{
		Settler:    cfg.Paywall.Settler(),
		ResourceID: cfg.Paywall.Config().ResourceID,
		Configs:    cfg.Configs,
		Results:    results,
		Logger:     &logger,
	})
	return h
}

// Store returns the correlation store
func (h *RequestHandler) Store() *CorrelationStore { return h.store }

// Wait blocks until every running task finished
func (h *RequestHandler) Wait() { h.wg.Wait() }

type sendParams struct {
	Message       Message `json:"message"`
	Configuration struct {
		Blocking *bool `json:"blocking,omitempty"`
	} `json:"configuration"`
}

type taskIDParams struct {
	ID string `json:"id"`
}

func (h *RequestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusOK, jsonrpc.Failure(nil, jsonrpc.ParseError, "Parse error"))
		return
	}

	ctx := reqctx.With(r.Context(), reqctx.FromHTTP(r))

	var result any
	var err error
	switch req.Method {
	case "message/send":
		result, err = h.sendMessage(ctx, req.Params)
	case "tasks/get":
		result, err = h.getTask(ctx, req.Params)
	case "tasks/cancel":
		result, err = h.cancelTask(ctx, req.Params)
	default:
		err = jsonrpc.MethodNotFoundError(req.Method)
	}

	if err != nil {
		status := http.StatusOK
		if paywall.IsPaymentRequired(err) {
			status = http.StatusPaymentRequired
		}
		writeResponse(w, status, jsonrpc.ErrorResponse(req.ID, err))
		return
	}
	writeResponse(w, http.StatusOK, jsonrpc.Result(req.ID, result))
}

func (h *RequestHandler) sendMessage(ctx context.Context, raw json.RawMessage) (*Task, error) {
	var params sendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.InvalidParamsError("Invalid params")
	}

	if err := h.pw.Accept(); err != nil {
		return nil, err
	}
	transport, _ := reqctx.From(ctx)
	auth, err := h.pw.Authenticator().Authenticate(ctx, nil, paywall.LogicalResource{
		Kind: paywall.KindEndpoint,
		Name: transport.URL,
	})
	if err != nil {
		return nil, err
	}

	msg := params.Message
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	task := &Task{
		ID:        uuid.NewString(),
		ContextID: msg.ContextID,
		Status:    TaskStatus{State: TaskStateSubmitted, Timestamp: now()},
		Kind:      "task",
	}
	if task.ContextID == "" {
		task.ContextID = uuid.NewString()
	}
	msg.TaskID = task.ID
	msg.ContextID = task.ContextID
	task.History = []Message{msg}

	if err := h.tasks.Save(ctx, task); err != nil {
		return nil, err
	}

	entry := Entry{
		Credential: auth.Credential,
		URL:        transport.URL,
		Method:     transport.Method,
		Auth:       auth,
	}
	h.store.SetContextForTask(task.ID, entry)
	h.store.SetContextForMessage(msg.MessageID, entry)

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	h.mu.Lock()
	h.running[task.ID] = r
	h.mu.Unlock()

	h.logger.Debug().Str("task_id", task.ID).Str("request_id", auth.RequestID).Msg("task submitted")

	h.wg.Add(1)
	go h.execute(execCtx, r, RequestContext{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Message:   msg,
		Auth:      auth,
	}, msg.MessageID)

	blocking := params.Configuration.Blocking == nil || *params.Configuration.Blocking
	if !blocking {
		return task, nil
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.tasks.Get(ctx, task.ID)
}

func (h *RequestHandler) execute(ctx context.Context, r *run, rc RequestContext, messageID string) {
	defer h.wg.Done()
	defer close(r.done)
	defer r.cancel()
	defer func() {
		h.mu.Lock()
		delete(h.running, rc.TaskID)
		h.mu.Unlock()
	}()

	queue := NewEventQueue(h.queueSize)
	execErr := make(chan error, 1)
	go func() {
		defer queue.Close()
		execErr <- h.executor.Execute(ctx, rc, queue)
	}()

	for ev := range queue.Events() {
		h.apply(ctx, ev, messageID)
	}
	err := <-execErr

	task, getErr := h.tasks.Get(ctx, rc.TaskID)
	if getErr != nil || task.Status.State.Terminal() {
		return
	}

	// The executor returned without a final event.
	state := TaskStateCompleted
	switch {
	case ctx.Err() != nil:
		state = TaskStateCanceled
	case err != nil:
		state = TaskStateFailed
		h.logger.Error().Err(err).Str("task_id", rc.TaskID).Msg("executor failed")
	}
	h.apply(ctx, StatusUpdate(rc.TaskID, rc.ContextID, state, true, nil), messageID)
}

// apply folds one event into the stored task and finalizes terminal
// status events.
func (h *RequestHandler) apply(ctx context.Context, ev Event, messageID string) {
	task, err := h.tasks.Get(ctx, ev.taskID())
	if err != nil {
		h.logger.Warn().Err(err).Str("task_id", ev.taskID()).Msg("event for unknown task")
		return
	}

	switch e := ev.(type) {
	case *TaskArtifactUpdateEvent:
		task.Artifacts = append(task.Artifacts, e.Artifact)
		if err := h.tasks.Save(ctx, task); err != nil {
			h.logger.Error().Err(err).Str("task_id", task.ID).Msg("saving task")
		}

	case *TaskStatusUpdateEvent:
		task.Status = e.Status
		if e.Status.Message != nil {
			task.History = append(task.History, *e.Status.Message)
		}
		if err := h.tasks.Save(ctx, task); err != nil {
			h.logger.Error().Err(err).Str("task_id", task.ID).Msg("saving task")
			return
		}
		if !e.Final {
			return
		}

		entry, ok := h.store.Take(task.ID)
		h.store.Delete(messageID)
		if !ok {
			return
		}
		// The executor still owns e; finalization annotates a copy.
		final := *e
		final.Metadata = maps.Clone(e.Metadata)
		// Settlement outlives a canceled execution context.
		h.finalizer.Finalize(context.WithoutCancel(ctx), entry, &final, task)
	}
}

func (h *RequestHandler) getTask(ctx context.Context, raw json.RawMessage) (*Task, error) {
	var params taskIDParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, jsonrpc.InvalidParamsError("id is required")
	}
	task, err := h.tasks.Get(ctx, params.ID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, &jsonrpc.Error{Code: TaskNotFound, Message: "Task not found"}
	}
	return task, err
}

func (h *RequestHandler) cancelTask(ctx context.Context, raw json.RawMessage) (*Task, error) {
	var params taskIDParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, jsonrpc.InvalidParamsError("id is required")
	}

	h.mu.Lock()
	r, ok := h.running[params.ID]
	h.mu.Unlock()
	if ok {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.getTask(ctx, raw)
}

func writeResponse(w http.ResponseWriter, status int, resp jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
