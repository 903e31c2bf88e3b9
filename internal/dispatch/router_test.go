package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/control-plane/internal/model"
)

func order(id string) model.Order {
	return model.Order{
		ID:      id,
		Account: model.NewAccountKey(model.OwnerUser, "u1", "alpaca"),
		Symbol:  "AAPL",
		Side:    "BUY",
		SizeUSD: decimal.NewFromInt(50),
	}
}

func TestRouteFor(t *testing.T) {
	tests := []struct {
		tier     model.Tier
		infra    model.InfraClass
		priority model.Priority
		latency  time.Duration
		retries  int
	}{
		{model.TierStarter, model.InfraShared, model.PriorityNormal, 5 * time.Second, 1},
		{model.TierGrowth, model.InfraShared, model.PriorityNormal, 3 * time.Second, 2},
		{model.TierPro, model.InfraPriority, model.PriorityHigh, 2 * time.Second, 2},
		{model.TierElite, model.InfraPriorityNodes, model.PriorityVeryHigh, 1500 * time.Millisecond, 3},
		{model.TierPremium, model.InfraPriorityNodes, model.PriorityVeryHigh, time.Second, 4},
		{model.TierBaller, model.InfraDedicated, model.PriorityUltraHigh, 500 * time.Millisecond, 5},
	}
	for _, tt := range tests {
		r, err := RouteFor(tt.tier)
		if err != nil {
			t.Fatalf("%s: %v", tt.tier, err)
		}
		if r.Infra != tt.infra || r.Priority != tt.priority || r.MaxLatency != tt.latency || r.RetryLimit != tt.retries {
			t.Errorf("%s: got %+v", tt.tier, r)
		}
	}

	if _, err := RouteFor("PLATINUM"); !errors.Is(err, model.ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}

func TestRouteOrder_Descriptor(t *testing.T) {
	r := NewRouter(nil)

	desc, err := r.RouteOrder(model.TierBaller, order("o1"))
	if err != nil {
		t.Fatal(err)
	}
	if desc.Priority != "ultra_high" || desc.PriorityLevel != 4 {
		t.Errorf("priority = %s/%d", desc.Priority, desc.PriorityLevel)
	}
	if desc.Infra != model.InfraDedicated {
		t.Errorf("infra = %s", desc.Infra)
	}
	if desc.MaxLatencyMs != 500 || desc.RetryLimit != 5 {
		t.Errorf("latency/retries = %d/%d", desc.MaxLatencyMs, desc.RetryLimit)
	}
	if desc.QueueDepth != 1 || desc.RequestID == "" {
		t.Errorf("depth = %d, id = %q", desc.QueueDepth, desc.RequestID)
	}

	desc, _ = r.RouteOrder(model.TierBaller, order("o2"))
	if desc.QueueDepth != 2 {
		t.Errorf("second depth = %d, want 2", desc.QueueDepth)
	}

	if _, err := r.RouteOrder("NOPE", order("o3")); !errors.Is(err, model.ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}

func TestPop_StrictPriority(t *testing.T) {
	r := NewRouter(nil)
	ctx := context.Background()

	// Arrival order: Normal, High, UltraHigh.
	for _, tier := range []model.Tier{model.TierStarter, model.TierPro, model.TierBaller} {
		if _, err := r.RouteOrder(tier, order(string(tier))); err != nil {
			t.Fatal(err)
		}
	}

	want := []model.Priority{model.PriorityUltraHigh, model.PriorityHigh, model.PriorityNormal}
	for i, p := range want {
		req, err := r.Pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if req.Priority != p {
			t.Errorf("pop %d: got %s, want %s", i, req.Priority, p)
		}
	}
}

func TestPop_FIFOWithinLane(t *testing.T) {
	r := NewRouter(nil)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		r.RouteOrder(model.TierElite, order(id))
	}
	for _, id := range ids {
		req, err := r.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if req.Order.ID != id {
			t.Fatalf("got %s, want %s", req.Order.ID, id)
		}
	}
}

func TestPop_BlocksUntilEnqueue(t *testing.T) {
	r := NewRouter(nil)
	got := make(chan *model.ExecutionRequest, 1)
	go func() {
		req, err := r.Pop(context.Background())
		if err == nil {
			got <- req
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned before anything was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	r.RouteOrder(model.TierGrowth, order("late"))
	select {
	case req := <-got:
		if req.Order.ID != "late" {
			t.Errorf("got %s", req.Order.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on enqueue")
	}
}

func TestPop_ContextCancel(t *testing.T) {
	r := NewRouter(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Pop(ctx)
		errc <- err
	}()

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake on cancellation")
	}
}

func TestClose_DrainsThenStops(t *testing.T) {
	r := NewRouter(nil)
	r.RouteOrder(model.TierPro, order("pending"))
	r.Close()

	if _, err := r.RouteOrder(model.TierPro, order("rejected")); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("expected ErrRouterClosed, got %v", err)
	}

	req, err := r.Pop(context.Background())
	if err != nil || req.Order.ID != "pending" {
		t.Fatalf("expected pending request to drain, got %v, %v", req, err)
	}
	if _, err := r.Pop(context.Background()); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("expected ErrRouterClosed after drain, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	r := NewRouter(nil)
	r.RouteOrder(model.TierStarter, order("a"))
	mid, _ := r.RouteOrder(model.TierStarter, order("b"))
	r.RouteOrder(model.TierStarter, order("c"))

	if !r.Cancel(mid.RequestID) {
		t.Fatal("cancel of queued request returned false")
	}
	if r.Cancel(mid.RequestID) {
		t.Error("second cancel returned true")
	}

	for _, id := range []string{"a", "c"} {
		req, _ := r.Pop(context.Background())
		if req.Order.ID != id {
			t.Errorf("got %s, want %s", req.Order.ID, id)
		}
	}
}

func TestClearQueues(t *testing.T) {
	r := NewRouter(nil)
	for _, tier := range model.Tiers {
		r.RouteOrder(tier, order(string(tier)))
	}

	st := r.GetQueueStatus()
	if st.Total != 6 || len(st.Lanes) != 4 {
		t.Fatalf("status = %+v", st)
	}
	if st.Lanes[0].Priority != "ultra_high" || st.Lanes[0].Depth != 1 {
		t.Errorf("first lane = %+v", st.Lanes[0])
	}
	if st.Lanes[3].Priority != "normal" || st.Lanes[3].Depth != 2 {
		t.Errorf("last lane = %+v", st.Lanes[3])
	}

	if n := r.ClearQueues(); n != 6 {
		t.Errorf("cleared %d, want 6", n)
	}
	if r.GetQueueStatus().Total != 0 {
		t.Error("queues not empty after clear")
	}
}

func TestDropHook_CancelAndClear(t *testing.T) {
	var dropped []string
	r := NewRouter(nil, WithDropHook(func(req *model.ExecutionRequest) {
		dropped = append(dropped, req.Order.ID)
	}))
	a, _ := r.RouteOrder(model.TierStarter, order("a"))
	r.RouteOrder(model.TierPro, order("b"))
	r.RouteOrder(model.TierBaller, order("c"))

	r.Cancel(a.RequestID)
	r.Cancel("missing")
	if len(dropped) != 1 || dropped[0] != "a" {
		t.Fatalf("after cancel dropped = %v", dropped)
	}

	r.ClearQueues()
	if len(dropped) != 3 {
		t.Errorf("after clear dropped = %v", dropped)
	}

	if _, err := r.RouteOrder(model.TierStarter, order("d")); err != nil {
		t.Fatal(err)
	}
	req, _ := r.Pop(context.Background())
	if req.Order.ID != "d" || len(dropped) != 3 {
		t.Errorf("pop reported as drop: %v", dropped)
	}
}

func TestExecute_LeavesQueuedRequestUnchanged(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, model.InfraClass, model.Order) (bool, float64, error) {
		return true, 1, nil
	})
	r := NewRouter(exec)
	r.RouteOrder(model.TierStarter, order("a"))
	queued, _ := r.Pop(context.Background())

	res := r.execute(context.Background(), queued)
	if res.Request.Attempts != 1 {
		t.Errorf("result attempts = %d", res.Request.Attempts)
	}
	if queued.Attempts != 0 {
		t.Errorf("queued request mutated: attempts = %d", queued.Attempts)
	}
}

func TestRecordExecution_IncrementalMean(t *testing.T) {
	r := NewRouter(nil)
	r.RecordExecution(model.TierPro, true, 100)
	r.RecordExecution(model.TierPro, false, 200)
	r.RecordExecution(model.TierBaller, true, 300)

	st := r.GetExecutionStats()
	if st.Global.Total != 3 || st.Global.Successful != 2 || st.Global.Failed != 1 {
		t.Errorf("global = %+v", st.Global)
	}
	if st.Global.AvgLatencyMs != 200 {
		t.Errorf("global avg = %v, want 200", st.Global.AvgLatencyMs)
	}
	pro := st.ByTier[model.TierPro]
	if pro.Total != 2 || pro.AvgLatencyMs != 150 || pro.SuccessRate != 0.5 {
		t.Errorf("pro = %+v", pro)
	}
	if st.ByTier[model.TierBaller].AvgLatencyMs != 300 {
		t.Errorf("baller = %+v", st.ByTier[model.TierBaller])
	}
}

func TestRun_NoExecutor(t *testing.T) {
	if err := NewRouter(nil).Run(context.Background(), 1); !errors.Is(err, ErrNoExecutor) {
		t.Errorf("expected ErrNoExecutor, got %v", err)
	}
}

func TestRun_ExecutesAndReportsResults(t *testing.T) {
	exec := ExecutorFunc(func(_ context.Context, infra model.InfraClass, o model.Order) (bool, float64, error) {
		if o.ID == "slow" {
			return true, 750, nil
		}
		if o.ID == "fail" {
			return false, 40, errors.New("broker rejected")
		}
		return true, 20, nil
	})

	var mu sync.Mutex
	results := map[string]Result{}
	done := make(chan struct{}, 3)
	r := NewRouter(exec, WithResultHook(func(res Result) {
		mu.Lock()
		results[res.Request.Order.ID] = res
		mu.Unlock()
		done <- struct{}{}
	}))

	r.RouteOrder(model.TierBaller, order("slow"))
	r.RouteOrder(model.TierStarter, order("fail"))
	r.RouteOrder(model.TierPro, order("ok"))

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(context.Background(), 2) }()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	r.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !results["slow"].Success || !results["slow"].SLAMissed {
		t.Errorf("slow = %+v", results["slow"])
	}
	if results["fail"].Success || results["fail"].Err == nil {
		t.Errorf("fail = %+v", results["fail"])
	}
	if !results["ok"].Success || results["ok"].SLAMissed {
		t.Errorf("ok = %+v", results["ok"])
	}
	if results["ok"].Request.Attempts != 1 {
		t.Errorf("attempts = %d", results["ok"].Request.Attempts)
	}

	st := r.GetExecutionStats()
	if st.Global.Total != 3 || st.Global.Failed != 1 || st.Global.SLAMisses != 1 {
		t.Errorf("stats = %+v", st.Global)
	}
}

func TestRun_ExecutorPanicIsAFailure(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, model.InfraClass, model.Order) (bool, float64, error) {
		panic("boom")
	})
	got := make(chan Result, 1)
	r := NewRouter(exec, WithResultHook(func(res Result) { got <- res }))
	r.RouteOrder(model.TierGrowth, order("p"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 1)

	select {
	case res := <-got:
		if res.Success || res.Err == nil {
			t.Errorf("expected failure with error, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
}

func TestRouter_ConcurrentProducers(t *testing.T) {
	r := NewRouter(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.RouteOrder(model.Tiers[j%len(model.Tiers)], order(""))
			}
		}()
	}
	wg.Wait()

	if got := r.GetQueueStatus().Total; got != 400 {
		t.Fatalf("total = %d, want 400", got)
	}
	last := model.PriorityUltraHigh
	for i := 0; i < 400; i++ {
		req, err := r.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if req.Priority > last {
			t.Fatalf("pop %d: %s after %s", i, req.Priority, last)
		}
		last = req.Priority
	}
}
