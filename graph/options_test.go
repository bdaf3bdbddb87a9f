package graph

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/store"
)

func newTestEngine(t *testing.T, opts ...Option) *NodeEngine {
	t.Helper()
	engine, err := NewNodeEngine(opts...)
	if err != nil {
		t.Fatalf("NewNodeEngine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return engine
}

func TestNodeEngine_Defaults(t *testing.T) {
	engine := newTestEngine(t)

	want := Options{
		CooperativeThreads: runtime.GOMAXPROCS(0),
		InboxBatchSize:     1024,
		QueueCapacity:      1024,
		IdleBackoffMin:     50 * time.Microsecond,
		IdleBackoffMax:     5 * time.Millisecond,
		InterruptTimeout:   30 * time.Second,
		StallReportRounds:  1000,
	}
	if diff := cmp.Diff(want, engine.Options()); diff != "" {
		t.Errorf("default options mismatch (-want +got):\n%s", diff)
	}
	if engine.Executor() == nil {
		t.Error("no default executor")
	}
	if engine.Emitter() == nil {
		t.Error("no default emitter")
	}
	if engine.Store() != nil || engine.Metrics() != nil || engine.Resources() != nil {
		t.Error("optional services must default to nil")
	}
}

func TestNodeEngine_FunctionalOptions(t *testing.T) {
	st := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	resources := ResourceProviderFunc(func(context.Context, string) ([]byte, error) { return nil, nil })

	tests := []struct {
		name     string
		options  []Option
		validate func(*testing.T, *NodeEngine)
	}{
		{
			name:    "WithCooperativeThreads",
			options: []Option{WithCooperativeThreads(3)},
			validate: func(t *testing.T, e *NodeEngine) {
				if e.Options().CooperativeThreads != 3 {
					t.Errorf("CooperativeThreads = %d, want 3", e.Options().CooperativeThreads)
				}
			},
		},
		{
			name:    "WithInboxBatchSize",
			options: []Option{WithInboxBatchSize(16)},
			validate: func(t *testing.T, e *NodeEngine) {
				if e.Options().InboxBatchSize != 16 {
					t.Errorf("InboxBatchSize = %d, want 16", e.Options().InboxBatchSize)
				}
			},
		},
		{
			name:    "WithQueueCapacity",
			options: []Option{WithQueueCapacity(8)},
			validate: func(t *testing.T, e *NodeEngine) {
				if e.Options().QueueCapacity != 8 {
					t.Errorf("QueueCapacity = %d, want 8", e.Options().QueueCapacity)
				}
			},
		},
		{
			name:    "WithIdleBackoff",
			options: []Option{WithIdleBackoff(time.Millisecond, 10*time.Millisecond)},
			validate: func(t *testing.T, e *NodeEngine) {
				o := e.Options()
				if o.IdleBackoffMin != time.Millisecond || o.IdleBackoffMax != 10*time.Millisecond {
					t.Errorf("backoff = [%v, %v]", o.IdleBackoffMin, o.IdleBackoffMax)
				}
			},
		},
		{
			name:    "WithInterruptTimeout",
			options: []Option{WithInterruptTimeout(time.Second)},
			validate: func(t *testing.T, e *NodeEngine) {
				if e.Options().InterruptTimeout != time.Second {
					t.Errorf("InterruptTimeout = %v, want 1s", e.Options().InterruptTimeout)
				}
			},
		},
		{
			name:    "WithStallReportRounds",
			options: []Option{WithStallReportRounds(7)},
			validate: func(t *testing.T, e *NodeEngine) {
				if e.Options().StallReportRounds != 7 {
					t.Errorf("StallReportRounds = %d, want 7", e.Options().StallReportRounds)
				}
			},
		},
		{
			name:    "WithOptions then override",
			options: []Option{WithOptions(Options{QueueCapacity: 5, InboxBatchSize: 7}), WithQueueCapacity(9)},
			validate: func(t *testing.T, e *NodeEngine) {
				if e.Options().QueueCapacity != 9 || e.Options().InboxBatchSize != 7 {
					t.Errorf("options = %+v", e.Options())
				}
			},
		},
		{
			name:    "services",
			options: []Option{WithStore(st), WithEmitter(emitter), WithMetrics(metrics), WithResources(resources), WithLogger(logr.Discard())},
			validate: func(t *testing.T, e *NodeEngine) {
				if e.Store() != st || e.Emitter() != emitter || e.Metrics() != metrics || e.Resources() == nil {
					t.Error("services not applied")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, newTestEngine(t, tt.options...))
		})
	}
}

func TestNodeEngine_InvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		option Option
	}{
		{"negative threads", WithCooperativeThreads(-1)},
		{"negative batch", WithInboxBatchSize(-1)},
		{"negative capacity", WithQueueCapacity(-1)},
		{"inverted backoff", WithIdleBackoff(time.Second, time.Millisecond)},
		{"nil executor", WithExecutor(nil)},
		{"negative stall rounds", WithStallReportRounds(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNodeEngine(tt.option)
			var ee *EngineError
			if !errors.As(err, &ee) || ee.Code != "INVALID_OPTION" {
				t.Errorf("err = %v, want EngineError INVALID_OPTION", err)
			}
		})
	}
}

type countingExecutor struct {
	mu    sync.Mutex
	wakes int
}

func (c *countingExecutor) Wake() {
	c.mu.Lock()
	c.wakes++
	c.mu.Unlock()
}

func (c *countingExecutor) Submit(task Task) error {
	go task.Run()
	return nil
}

func TestNodeEngine_ExternalExecutor(t *testing.T) {
	exec := &countingExecutor{}
	engine := newTestEngine(t, WithExecutor(exec))
	if engine.Executor() != exec {
		t.Fatal("external executor not used")
	}
}

func TestNodeEngine_ShutdownLeavesStoreOpen(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	engine, err := NewNodeEngine(WithStore(st))
	if err != nil {
		t.Fatalf("NewNodeEngine: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := st.Ping(ctx); err != nil {
		t.Errorf("store closed by engine Shutdown: %v", err)
	}
	if err := st.SaveTransition(ctx, store.Record{Application: "job", ContainerID: 1}); err != nil {
		t.Errorf("SaveTransition after Shutdown: %v", err)
	}
}

func TestApplicationContext_AllocateContainerID(t *testing.T) {
	app := NewApplicationContext("job")
	if app.Name() != "job" {
		t.Errorf("Name = %q", app.Name())
	}

	const n = 100
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- app.AllocateContainerID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if id < 1 || id > n || seen[id] {
			t.Errorf("unexpected id %d", id)
		}
		seen[id] = true
	}
}
