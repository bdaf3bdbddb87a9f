package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/dataflow-go/graph"
	"github.com/dshills/dataflow-go/graph/store"
)

// runnerStatus is the JSON view of one runner.
type runnerStatus struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Progress string `json:"progress"`
}

// transitionView is the JSON view of a recorded transition.
type transitionView struct {
	Seq        int64  `json:"seq"`
	Event      string `json:"event"`
	From       string `json:"from"`
	To         string `json:"to"`
	Accepted   bool   `json:"accepted"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

func toView(r store.Record) transitionView {
	return transitionView{
		Seq:        r.Seq,
		Event:      r.Event,
		From:       r.From,
		To:         r.To,
		Accepted:   r.Accepted,
		Error:      r.Error,
		DurationMS: r.Duration.Milliseconds(),
	}
}

// newHandler exposes metrics, live runner states and the transition history.
func newHandler(app *graph.ApplicationContext, runners []*graph.VertexRunner, st store.Store, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/runners", func(w http.ResponseWriter, _ *http.Request) {
		out := make([]runnerStatus, 0, len(runners))
		for _, vr := range runners {
			out = append(out, runnerStatus{
				ID:       vr.ID(),
				Name:     vr.Name(),
				State:    vr.State().String(),
				Progress: vr.Progress().String(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/transitions", func(w http.ResponseWriter, req *http.Request) {
		latest, err := st.Latest(req.Context(), app.Name())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make(map[string]transitionView, len(latest))
		for _, rec := range latest {
			out[rec.Container] = toView(rec)
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/runners/{name}/history", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		for _, vr := range runners {
			if vr.Name() != name {
				continue
			}
			history, err := st.History(req.Context(), app.Name(), vr.ID())
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			out := make([]transitionView, 0, len(history))
			for _, rec := range history {
				out = append(out, toView(rec))
			}
			writeJSON(w, http.StatusOK, out)
			return
		}
		http.Error(w, "unknown runner "+name, http.StatusNotFound)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
