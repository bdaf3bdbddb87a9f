package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dshills/dataflow-go/graph"
)

// HTTPSink posts every item as a JSON document to a URL.
//
// It is an exclusive processor: each request blocks its own goroutine, never
// a cooperative worker. A response outside 2xx fails the vertex.
type HTTPSink struct {
	url     string
	client  *http.Client
	headers map[string]string

	ctx *graph.ProcessorContext
}

// HTTPSinkOption configures an HTTPSink.
type HTTPSinkOption func(*HTTPSink)

// WithHTTPClient sets the client used for requests. Default:
// http.DefaultClient.
func WithHTTPClient(client *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.client = client
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.headers[key] = value
	}
}

// HTTPPost returns a supplier of HTTP sinks posting to url.
func HTTPPost(url string, opts ...HTTPSinkOption) graph.ProcessorSupplier {
	return func(int) graph.Processor {
		s := &HTTPSink{url: url, client: http.DefaultClient, headers: map[string]string{}}
		for _, opt := range opts {
			opt(s)
		}
		return s
	}
}

// Init implements graph.Processor.
func (s *HTTPSink) Init(_ *graph.Outbox, ctx *graph.ProcessorContext) error {
	if s.url == "" {
		return fmt.Errorf("http sink: url required")
	}
	s.ctx = ctx
	return nil
}

// Process implements graph.Processor. An item stays in the inbox until its
// request succeeded.
func (s *HTTPSink) Process(_ int, inbox *graph.Inbox) error {
	for {
		item, ok := inbox.Peek()
		if !ok {
			return nil
		}
		if s.ctx.Cancelled() {
			return graph.ErrCancellationRequested
		}
		if err := s.post(item); err != nil {
			return err
		}
		inbox.Remove()
	}
}

func (s *HTTPSink) post(item any) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	req, err := http.NewRequestWithContext(s.ctx.Context, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post to %s: unexpected status %d", s.url, resp.StatusCode)
	}
	return nil
}

// Complete implements graph.Processor.
func (s *HTTPSink) Complete() (bool, error) { return true, nil }

// IsCooperative implements graph.Cooperative.
func (s *HTTPSink) IsCooperative() bool { return false }
