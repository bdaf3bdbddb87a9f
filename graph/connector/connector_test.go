package connector_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/google/go-cmp/cmp"

	"github.com/dshills/dataflow-go/graph"
	"github.com/dshills/dataflow-go/graph/connector"
)

func harness(t *testing.T, supplier graph.ProcessorSupplier, logger logr.Logger) *connector.Harness {
	t.Helper()
	h, err := connector.NewHarness(supplier(0), logger)
	if err != nil {
		t.Fatalf("NewHarness: %v", err)
	}
	return h
}

func TestMap(t *testing.T) {
	h := harness(t, connector.Map(func(item any) (any, error) {
		return strings.ToUpper(item.(string)), nil
	}), logr.Discard())

	if err := h.Process("a", "b", "c"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"A", "B", "C"}, h.Drain()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if h.Inbox.HasNext() {
		t.Error("inbox not consumed")
	}
}

func TestMap_Error(t *testing.T) {
	boom := errors.New("boom")
	h := harness(t, connector.Map(func(any) (any, error) { return nil, boom }), logr.Discard())
	if err := h.Process(1); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestMap_Backpressure(t *testing.T) {
	h := harness(t, connector.Map(func(item any) (any, error) { return item, nil }), logr.Discard())

	items := make([]any, connector.HarnessCapacity+2)
	for i := range items {
		items[i] = i
	}
	if err := h.Process(items...); err != nil {
		t.Fatal(err)
	}
	if h.Inbox.Len() != 2 {
		t.Fatalf("inbox holds %d items, want 2 refused by the full outbox", h.Inbox.Len())
	}

	h.Poll()
	if err := h.Process(); err != nil {
		t.Fatal(err)
	}
	if h.Inbox.Len() != 1 {
		t.Errorf("inbox holds %d items after one slot freed, want 1", h.Inbox.Len())
	}
}

func TestFilter(t *testing.T) {
	h := harness(t, connector.Filter(func(item any) bool { return item.(int)%2 == 0 }), logr.Discard())
	if err := h.Process(1, 2, 3, 4); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{2, 4}, h.Drain()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestSliceSource_Partitions(t *testing.T) {
	supplier := connector.SliceSource(0, 1, 2, 3, 4, 5, 6)

	var got [][]any
	for index := 0; index < 3; index++ {
		p := supplier(index)
		out := graph.NewOutbox([]int{16}, nil)
		ctx := &graph.ProcessorContext{Context: context.Background(), Index: index, Parallelism: 3}
		if err := p.Init(out, ctx); err != nil {
			t.Fatal(err)
		}
		done, err := p.Complete()
		if err != nil || !done {
			t.Fatalf("Complete = (%v, %v)", done, err)
		}
		q, _ := out.QueueWithOrdinal(0)
		var items []any
		q.Drain(0, func(item any) { items = append(items, item) })
		got = append(got, items)
	}

	want := [][]any{{0, 3, 6}, {1, 4}, {2, 5}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("partitions mismatch (-want +got):\n%s", diff)
	}
}

func TestSliceSource_ResumesAfterBackpressure(t *testing.T) {
	items := make([]any, connector.HarnessCapacity+5)
	for i := range items {
		items[i] = i
	}
	h := harness(t, connector.SliceSource(items...), logr.Discard())

	done, err := h.Complete()
	if err != nil || done {
		t.Fatalf("Complete with full outbox = (%v, %v), want (false, nil)", done, err)
	}
	first := h.Drain()
	done, err = h.Complete()
	if err != nil || !done {
		t.Fatalf("Complete after drain = (%v, %v), want (true, nil)", done, err)
	}
	if total := len(first) + len(h.Drain()); total != len(items) {
		t.Errorf("emitted %d items, want %d", total, len(items))
	}
}

func TestWriteLogger(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	logger := funcr.New(func(prefix, args string) {
		mu.Lock()
		lines = append(lines, args)
		mu.Unlock()
	}, funcr.Options{})

	supplier := connector.WriteLogger(func(item any) string { return fmt.Sprintf("item=%v", item) })
	p := supplier(0)
	if graph.IsCooperative(p) {
		t.Error("WriteLogger must be exclusive")
	}

	h := harness(t, supplier, logger)
	if err := h.Process(1, 2); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 || !strings.Contains(lines[0], "item=1") || !strings.Contains(lines[1], "item=2") {
		t.Errorf("logged lines = %q", lines)
	}
}

func TestWriteLogger_DefaultFormat(t *testing.T) {
	var got string
	logger := funcr.New(func(_, args string) { got = args }, funcr.Options{})
	h := harness(t, connector.WriteLogger(nil), logger)
	if err := h.Process(42); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `"msg"="42"`) {
		t.Errorf("logged %q", got)
	}
}

func TestHTTPSink(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Job") != "test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	supplier := connector.HTTPPost(srv.URL, connector.WithHeader("X-Job", "test"), connector.WithHTTPClient(srv.Client()))
	if graph.IsCooperative(supplier(0)) {
		t.Error("HTTPSink must be exclusive")
	}
	h := harness(t, supplier, logr.Discard())
	if err := h.Process(map[string]int{"n": 1}, "two"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{`{"n":1}`, `"two"`}, bodies); diff != "" {
		t.Errorf("posted bodies (-want +got):\n%s", diff)
	}
}

func TestHTTPSink_ErrorKeepsItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := harness(t, connector.HTTPPost(srv.URL), logr.Discard())
	err := h.Process("x")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want status 503", err)
	}
	if h.Inbox.Len() != 1 {
		t.Errorf("failed item removed from inbox")
	}

	if _, err := connector.NewHarness(connector.HTTPPost("")(0), logr.Discard()); err == nil {
		t.Error("empty url accepted")
	}
}

func TestHarness_Cancel(t *testing.T) {
	h := harness(t, connector.HTTPPost("http://127.0.0.1:0"), logr.Discard())
	h.Cancel()
	if err := h.Process("x"); !errors.Is(err, graph.ErrCancellationRequested) {
		t.Errorf("err = %v, want ErrCancellationRequested", err)
	}
}

// TestPipeline runs source -> map -> filter -> collector on a node engine.
func TestPipeline(t *testing.T) {
	engine, err := graph.NewNodeEngine(
		graph.WithCooperativeThreads(2),
		graph.WithQueueCapacity(16),
		graph.WithIdleBackoff(time.Microsecond, time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Shutdown(context.Background())

	const n = 300
	items := make([]any, n)
	for i := range items {
		items[i] = i
	}

	app := graph.NewApplicationContext("connector")
	sink := connector.NewCollector()
	vertices := []graph.Vertex{
		{Name: "source", Parallelism: 2, Outputs: []int{0}, Supplier: connector.SliceSource(items...)},
		{Name: "square", Parallelism: 3, Outputs: []int{0}, Supplier: connector.Map(func(item any) (any, error) {
			v := item.(int)
			return v * v, nil
		})},
		{Name: "even", Outputs: []int{0}, Supplier: connector.Filter(func(item any) bool { return item.(int)%2 == 0 })},
		{Name: "sink", Supplier: sink.Supplier()},
	}

	runners := make([]*graph.VertexRunner, len(vertices))
	for i, v := range vertices {
		r, err := graph.NewVertexRunner(app, engine, v)
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			if err := r.Connect(0, runners[i-1], 0); err != nil {
				t.Fatal(err)
			}
		}
		runners[i] = r
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range runners {
		if _, err := r.Start().Get(ctx); err != nil {
			t.Fatalf("start %s: %v", r.Name(), err)
		}
	}
	for _, r := range runners {
		if _, err := r.Wait(ctx); err != nil {
			t.Fatalf("%s: %v", r.Name(), err)
		}
	}

	var want []int
	for i := 0; i < n; i++ {
		if (i*i)%2 == 0 {
			want = append(want, i*i)
		}
	}
	var got []int
	for _, it := range sink.Items() {
		got = append(got, it.(int))
	}
	sort.Ints(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sink mismatch (-want +got):\n%s", diff)
	}
}

func TestCollector_JSONItems(t *testing.T) {
	c := connector.NewCollector()
	h := harness(t, c.Supplier(), logr.Discard())
	if err := h.Process(json.RawMessage(`{}`), "x"); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestResourceLines(t *testing.T) {
	p := connector.ResourceLines("words.txt")(0)
	out := graph.NewOutbox([]int{16}, nil)
	ctx := &graph.ProcessorContext{
		Context:     context.Background(),
		Parallelism: 1,
		Resources:   map[string][]byte{"words.txt": []byte("alpha\n\n  beta \ngamma\n")},
	}
	if err := p.Init(out, ctx); err != nil {
		t.Fatal(err)
	}
	if done, err := p.Complete(); !done || err != nil {
		t.Fatalf("Complete = (%v, %v)", done, err)
	}
	q, _ := out.QueueWithOrdinal(0)
	var got []any
	q.Drain(0, func(item any) { got = append(got, item) })
	if diff := cmp.Diff([]any{"alpha", "beta", "gamma"}, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}

	missing := connector.ResourceLines("nope")(0)
	if err := missing.Init(out, ctx); !errors.Is(err, graph.ErrResourceUnavailable) {
		t.Errorf("Init without resource: err = %v, want ErrResourceUnavailable", err)
	}
}
