package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/dataflow-go/graph/emit"
	"github.com/dshills/dataflow-go/graph/store"
)

func TestContainer_ReportsTransitions(t *testing.T) {
	st := store.NewMemStore()
	emitter := emit.NewBufferedEmitter()
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())

	var mu sync.Mutex
	var lines []string
	logger := funcr.New(func(prefix, args string) {
		mu.Lock()
		lines = append(lines, prefix+" "+args)
		mu.Unlock()
	}, funcr.Options{Verbosity: 1})

	engine := newTestEngine(t,
		WithStore(st),
		WithEmitter(emitter),
		WithMetrics(metrics),
		WithLogger(logger),
		WithIdleBackoff(time.Microsecond, time.Millisecond),
	)
	app := NewApplicationContext("report")
	r := newRunner(t, app, engine, Vertex{
		Name:     "noop",
		Supplier: func(int) Processor { return NewFuncProcessor(nil, nil) },
	})
	if r.Kind() != "vertex_runner" || r.ID() != 1 || r.ApplicationContext() != app || r.NodeEngine() != engine {
		t.Fatalf("container identity: kind=%q id=%d", r.Kind(), r.ID())
	}

	mustStart(t, r)
	if _, err := await(t, r.Completion()); err != nil {
		t.Fatal(err)
	}
	// An illegal request after completion is reported too.
	await(t, r.HandleContainerRequest(EventStart, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.StateMachine().WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("store", func(t *testing.T) {
		history, err := st.History(ctx, "report", r.ID())
		if err != nil {
			t.Fatal(err)
		}
		first := history[0]
		if first.Seq != 1 || first.Event != "Start" || first.From != "Ready" || first.To != "Running" || !first.Accepted {
			t.Errorf("first record = %+v", first)
		}
		last, err := st.LoadLatest(ctx, "report", r.ID())
		if err != nil {
			t.Fatal(err)
		}
		if last.Accepted || last.Event != "Start" || last.From != "Completed" || last.Error == "" {
			t.Errorf("latest record = %+v", last)
		}
		var completed bool
		for _, rec := range history {
			if rec.Event == "ExecutionCompleted" && rec.To == "Completed" {
				completed = true
			}
		}
		if !completed {
			t.Error("no ExecutionCompleted transition recorded")
		}
	})

	t.Run("emitter", func(t *testing.T) {
		events := emitter.GetHistoryWithFilter("report", emit.HistoryFilter{Msg: "transition"})
		if len(events) == 0 {
			t.Fatal("no transition events")
		}
		if events[0].Container != "noop" || events[0].ContainerID != r.ID() || events[0].Meta["event"] != "Start" {
			t.Errorf("first event = %+v", events[0])
		}
		rejected := emitter.GetHistoryWithFilter("report", emit.HistoryFilter{Msg: "transition_rejected"})
		if len(rejected) != 1 {
			t.Errorf("rejected events = %d, want 1", len(rejected))
		}
	})

	t.Run("metrics", func(t *testing.T) {
		if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("vertex_runner", "Start", "accepted")); got != 1 {
			t.Errorf("accepted Start = %v, want 1", got)
		}
		if got := testutil.ToFloat64(metrics.transitions.WithLabelValues("vertex_runner", "Start", "illegal")); got != 1 {
			t.Errorf("illegal Start = %v, want 1", got)
		}
		if got := testutil.ToFloat64(metrics.rounds.WithLabelValues("noop", "done")); got < 1 {
			t.Errorf("done rounds = %v, want >= 1", got)
		}
	})

	t.Run("logger", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		joined := strings.Join(lines, "\n")
		if !strings.Contains(joined, `"containerID"=1`) || !strings.Contains(joined, "transition") {
			t.Errorf("log output lacks container context:\n%s", joined)
		}
	})
}

type failingStore struct {
	store.Store
}

func (failingStore) SaveTransition(context.Context, store.Record) error {
	return errors.New("disk full")
}

// TestContainer_ReportingFailuresIgnored checks that store errors and
// panicking emitters never change a transition's outcome.
func TestContainer_ReportingFailuresIgnored(t *testing.T) {
	engine := newTestEngine(t,
		WithStore(failingStore{Store: store.NewMemStore()}),
		WithEmitter(emit.Multi{panicEmitter{}}),
		WithIdleBackoff(time.Microsecond, time.Millisecond),
	)
	r := newRunner(t, NewApplicationContext("job"), engine, Vertex{
		Supplier: func(int) Processor { return NewFuncProcessor(nil, nil) },
	})
	mustStart(t, r)
	if _, err := await(t, r.Completion()); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateCompleted {
		t.Errorf("state = %v, want Completed", r.State())
	}
}

type panicEmitter struct{}

func (panicEmitter) Emit(emit.Event) { panic("emitter") }

func TestContainer_WakesExecutor(t *testing.T) {
	exec := &countingExecutor{}
	engine := newTestEngine(t, WithExecutor(exec))
	r := newRunner(t, NewApplicationContext("job"), engine, Vertex{
		Supplier: func(int) Processor { return NewFuncProcessor(nil, nil) },
	})

	await(t, r.HandleContainerRequest(EventInterrupt, nil))

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.wakes < 1 {
		t.Errorf("wakes = %d, want at least 1", exec.wakes)
	}
}
