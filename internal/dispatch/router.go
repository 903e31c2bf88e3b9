// Package dispatch routes approved orders into four priority lanes and runs
// the workers that hand them to execution infrastructure.
//
// Lanes are drained in strict precedence: UltraHigh is emptied before
// VeryHigh is inspected, and so on down to Normal. Within a lane requests are
// served in arrival order. The router never retries: honoring a request's
// RetryLimit is left to the Executor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/control-plane/internal/metrics"
	"github.com/atmx/control-plane/internal/model"
)

var (
	ErrRouterClosed = errors.New("dispatch: router closed")
	ErrNoExecutor   = errors.New("dispatch: no executor configured")
)

// Executor places an order on a class of execution infrastructure.
// latencyMs may be zero, in which case the router measures wall time.
type Executor interface {
	ExecuteOnInfrastructure(ctx context.Context, infra model.InfraClass, order model.Order) (success bool, latencyMs float64, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, infra model.InfraClass, order model.Order) (bool, float64, error)

func (f ExecutorFunc) ExecuteOnInfrastructure(ctx context.Context, infra model.InfraClass, order model.Order) (bool, float64, error) {
	return f(ctx, infra, order)
}

// RoutingDescriptor describes where an admitted order was queued.
type RoutingDescriptor struct {
	RequestID     string           `json:"request_id"`
	Tier          model.Tier       `json:"tier"`
	Priority      string           `json:"priority"`
	PriorityLevel int              `json:"priority_level"`
	Infra         model.InfraClass `json:"infra"`
	MaxLatencyMs  int64            `json:"max_latency_ms"`
	RetryLimit    int              `json:"retry_limit"`
	QueueDepth    int              `json:"queue_depth"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
}

// Result is the outcome of one dispatched request.
type Result struct {
	Request     *model.ExecutionRequest
	Success     bool
	LatencyMs   float64
	Err         error
	SLAMissed   bool
	CompletedAt time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithResultHook is called by the worker after every execution, outside
// any router lock.
func WithResultHook(fn func(Result)) Option {
	return func(r *Router) { r.onResult = fn }
}

// WithDropHook is called for every request removed by Cancel or
// ClearQueues before a worker dequeued it, outside any router lock.
func WithDropHook(fn func(*model.ExecutionRequest)) Option {
	return func(r *Router) { r.onDrop = fn }
}

// Router owns the four lanes, the execution statistics and the workers.
type Router struct {
	exec     Executor
	now      func() time.Time
	onResult func(Result)
	onDrop   func(*model.ExecutionRequest)
	stats    *statsTracker

	mu      sync.Mutex
	cond    *sync.Cond
	lanes   [model.NumPriorities][]*model.ExecutionRequest
	closed  bool
	workers int
}

// NewRouter creates a router. exec may be nil when only queueing is needed;
// Run requires it.
func NewRouter(exec Executor, opts ...Option) *Router {
	r := &Router{
		exec:  exec,
		now:   time.Now,
		stats: newStatsTracker(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func lane(p model.Priority) int { return int(p) - 1 }

// RouteOrder builds an ExecutionRequest for order and appends it to the lane
// of tier's priority.
func (r *Router) RouteOrder(tier model.Tier, order model.Order) (RoutingDescriptor, error) {
	route, err := RouteFor(tier)
	if err != nil {
		return RoutingDescriptor{}, err
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	req := &model.ExecutionRequest{
		ID:         uuid.NewString(),
		Order:      order,
		Tier:       tier,
		Priority:   route.Priority,
		Infra:      route.Infra,
		MaxLatency: route.MaxLatency,
		RetryLimit: route.RetryLimit,
		EnqueuedAt: r.now().UTC(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return RoutingDescriptor{}, ErrRouterClosed
	}
	i := lane(route.Priority)
	r.lanes[i] = append(r.lanes[i], req)
	depth := len(r.lanes[i])
	metrics.QueueDepth.WithLabelValues(route.Priority.String()).Set(float64(depth))
	r.cond.Signal()
	r.mu.Unlock()

	slog.Debug("order routed",
		"request_id", req.ID,
		"order_id", order.ID,
		"account", order.Account.String(),
		"tier", string(tier),
		"priority", route.Priority.String(),
		"infra", string(route.Infra),
		"depth", depth,
	)

	return RoutingDescriptor{
		RequestID:     req.ID,
		Tier:          tier,
		Priority:      route.Priority.String(),
		PriorityLevel: int(route.Priority),
		Infra:         route.Infra,
		MaxLatencyMs:  route.MaxLatency.Milliseconds(),
		RetryLimit:    route.RetryLimit,
		QueueDepth:    depth,
		EnqueuedAt:    req.EnqueuedAt,
	}, nil
}

// Pop blocks until a request is available and removes it, highest lane
// first. It returns ctx's error once ctx is done, and ErrRouterClosed once
// the router is closed and every lane is empty.
func (r *Router) Pop(ctx context.Context) (*model.ExecutionRequest, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if req := r.popLocked(); req != nil {
			return req, nil
		}
		if r.closed {
			return nil, ErrRouterClosed
		}
		r.cond.Wait()
	}
}

func (r *Router) popLocked() *model.ExecutionRequest {
	for i := model.NumPriorities - 1; i >= 0; i-- {
		q := r.lanes[i]
		if len(q) == 0 {
			continue
		}
		req := q[0]
		q[0] = nil
		r.lanes[i] = q[1:]
		metrics.QueueDepth.WithLabelValues(model.Priority(i + 1).String()).Set(float64(len(r.lanes[i])))
		return req
	}
	return nil
}

// Run starts workers and blocks until all of them have exited, which happens
// when ctx is done or the router is closed and drained.
func (r *Router) Run(ctx context.Context, workers int) error {
	if r.exec == nil {
		return ErrNoExecutor
	}
	if workers < 1 {
		workers = 1
	}

	r.mu.Lock()
	r.workers += workers
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.workers -= workers
		r.mu.Unlock()
	}()

	slog.Info("dispatch workers started", "workers", workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	slog.Info("dispatch workers stopped", "workers", workers)
	return nil
}

func (r *Router) worker(ctx context.Context, id int) {
	for {
		req, err := r.Pop(ctx)
		if err != nil {
			return
		}
		res := r.execute(ctx, req)
		if !res.Success {
			slog.Warn("execution failed",
				"worker", id,
				"request_id", req.ID,
				"account", req.Order.Account.String(),
				"tier", string(req.Tier),
				"err", res.Err,
			)
		}
	}
}

// execute runs one dequeued request to completion. Cancellation of ctx no
// longer applies once a request has left its lane. The queued request is
// left untouched; the Result carries a copy with Attempts counted.
func (r *Router) execute(ctx context.Context, queued *model.ExecutionRequest) (res Result) {
	run := *queued
	run.Attempts++
	req := &run
	start := r.now()
	execCtx := context.WithoutCancel(ctx)

	ok, latencyMs, err := r.invoke(execCtx, req)
	if latencyMs <= 0 {
		latencyMs = float64(r.now().Sub(start).Microseconds()) / 1000
		if latencyMs < 0 {
			latencyMs = 0
		}
	}
	success := ok && err == nil

	res = Result{
		Request:     req,
		Success:     success,
		LatencyMs:   latencyMs,
		Err:         err,
		CompletedAt: r.now().UTC(),
	}

	r.RecordExecution(req.Tier, success, latencyMs)
	if req.MaxLatency > 0 && latencyMs > float64(req.MaxLatency.Milliseconds()) {
		res.SLAMissed = true
		r.stats.slaMiss(req.Tier)
		metrics.SLAMisses.WithLabelValues(string(req.Tier)).Inc()
	}

	if r.onResult != nil {
		r.onResult(res)
	}
	return res
}

func (r *Router) invoke(ctx context.Context, req *model.ExecutionRequest) (ok bool, latencyMs float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("dispatch: executor panic: %v", p)
		}
	}()
	return r.exec.ExecuteOnInfrastructure(ctx, req.Infra, req.Order)
}

// RecordExecution folds one outcome into the global and per-tier statistics.
func (r *Router) RecordExecution(tier model.Tier, success bool, latencyMs float64) {
	r.stats.record(tier, success, latencyMs)

	result := "success"
	if !success {
		result = "failure"
	}
	metrics.Executions.WithLabelValues(string(tier), result).Inc()
	metrics.ExecutionLatency.WithLabelValues(string(tier)).Observe(latencyMs / 1000)
}

// GetExecutionStats returns a snapshot of execution statistics.
func (r *Router) GetExecutionStats() ExecutionStats {
	return r.stats.snapshot()
}

// LaneStatus describes one priority lane.
type LaneStatus struct {
	Priority     string  `json:"priority"`
	Level        int     `json:"level"`
	Depth        int     `json:"depth"`
	OldestWaitMs float64 `json:"oldest_wait_ms"`
}

// QueueStatus is a JSON snapshot of every lane, highest priority first.
type QueueStatus struct {
	Lanes   []LaneStatus `json:"lanes"`
	Total   int          `json:"total"`
	Workers int          `json:"workers"`
	Closed  bool         `json:"closed"`
}

// GetQueueStatus returns lane depths and the age of each lane's head.
func (r *Router) GetQueueStatus() QueueStatus {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	st := QueueStatus{
		Lanes:   make([]LaneStatus, 0, model.NumPriorities),
		Workers: r.workers,
		Closed:  r.closed,
	}
	for i := model.NumPriorities - 1; i >= 0; i-- {
		p := model.Priority(i + 1)
		ls := LaneStatus{Priority: p.String(), Level: int(p), Depth: len(r.lanes[i])}
		if ls.Depth > 0 {
			ls.OldestWaitMs = float64(now.Sub(r.lanes[i][0].EnqueuedAt).Microseconds()) / 1000
		}
		st.Total += ls.Depth
		st.Lanes = append(st.Lanes, ls)
	}
	return st
}

// ClearQueues discards every pending request and returns how many were
// dropped. Emergency use only.
func (r *Router) ClearQueues() int {
	r.mu.Lock()
	var dropped []*model.ExecutionRequest
	for i := range r.lanes {
		dropped = append(dropped, r.lanes[i]...)
		r.lanes[i] = nil
		metrics.QueueDepth.WithLabelValues(model.Priority(i + 1).String()).Set(0)
	}
	r.mu.Unlock()

	slog.Warn("dispatch queues cleared", "dropped", len(dropped))
	r.dropped(dropped...)
	return len(dropped)
}

func (r *Router) dropped(reqs ...*model.ExecutionRequest) {
	if r.onDrop == nil {
		return
	}
	for _, req := range reqs {
		r.onDrop(req)
	}
}

// Cancel removes a request that has not been dequeued yet. It reports
// whether the request was found.
func (r *Router) Cancel(requestID string) bool {
	req := r.remove(requestID)
	if req == nil {
		return false
	}
	r.dropped(req)
	return true
}

func (r *Router) remove(requestID string) *model.ExecutionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.lanes {
		for j, req := range q {
			if req.ID != requestID {
				continue
			}
			r.lanes[i] = append(q[:j:j], q[j+1:]...)
			metrics.QueueDepth.WithLabelValues(model.Priority(i + 1).String()).Set(float64(len(r.lanes[i])))
			return req
		}
	}
	return nil
}

// Close stops admission. Workers drain the remaining requests and exit.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}
