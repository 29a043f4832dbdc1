package modelmux

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/pkg/errors"
)

type fakeUpstream struct {
	catalog      string
	completions  atomic.Int64
	catalogCalls atomic.Int64
	handler      func(w http.ResponseWriter, r *http.Request, n int64)
}

func (f *fakeUpstream) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			f.catalogCalls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(f.catalog))
		case "/chat/completions":
			n := f.completions.Add(1)
			f.handler(w, r, n)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func okCompletion(w http.ResponseWriter, model string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"gen-1","model":%q,
		"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`, model)
}

const chatCatalog = `{"data":[
	{"id":"a/alpha","name":"Alpha Chat","description":"chat model","context_length":8192,
	 "pricing":{"prompt":"0","completion":"0"},"top_provider":{"modalities":["text"]}},
	{"id":"b/beta","name":"Beta Chat","description":"chat model","context_length":8192,
	 "pricing":{"prompt":"0","completion":"0"},"top_provider":{"modalities":["text"]}}
]}`

func newTestBroker(t *testing.T, baseURL string, extra ...Option) *Broker {
	t.Helper()
	opts := append([]Option{
		WithBaseURL(baseURL),
		WithRetry(2, 10*time.Millisecond, time.Second),
	}, extra...)
	b, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.AddCredential(context.Background(), "sk-test", 50, "free")
	require.NoError(t, err)
	return b
}

func TestCompletionSuccess(t *testing.T) {
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {
			okCompletion(w, "a/alpha")
		},
	}
	srv := up.serve(t)
	b := newTestBroker(t, srv.URL)

	resp, err := b.Completion(context.Background(), &CompletionRequest{
		InstanceID: "worker-1",
		Category:   CategoryChat,
		Messages:   []Message{TextMessage("user", "hi")},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content())

	// Exactly one upstream call, counted once against the credential.
	require.EqualValues(t, 1, up.completions.Load())
	stats, err := b.UsageStats(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalRequests)
}

func TestCompletionNoModelAvailable(t *testing.T) {
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {
			t.Error("completion endpoint must not be called")
		},
	}
	srv := up.serve(t)
	b := newTestBroker(t, srv.URL)

	// No embedding models exist: the request fails before any upstream
	// completion call and nothing is charged.
	_, err := b.Completion(context.Background(), &CompletionRequest{
		InstanceID: "worker-1",
		Category:   CategoryEmbedding,
		Messages:   []Message{TextMessage("user", "hi")},
	})
	var be *errors.BrokerError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errors.KindNoModel, be.Kind)
	require.Zero(t, up.completions.Load())

	stats, err := b.UsageStats(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, stats.TotalRequests)
}

func TestCompletionRetriesHonorRetryAfter(t *testing.T) {
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {
			if n == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
				return
			}
			okCompletion(w, "a/alpha")
		},
	}
	srv := up.serve(t)
	b := newTestBroker(t, srv.URL)

	start := time.Now()
	resp, err := b.Completion(context.Background(), &CompletionRequest{
		InstanceID: "worker-1",
		Category:   CategoryChat,
		Messages:   []Message{TextMessage("user", "hi")},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content())

	// The retry waited at least the upstream hint, not just the tiny
	// configured backoff.
	require.GreaterOrEqual(t, time.Since(start), time.Second)
	require.EqualValues(t, 2, up.completions.Load())

	// One request, one usage unit, despite two attempts.
	stats, err := b.UsageStats(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalRequests)
}

func TestCompletionFallsThroughOnRejection(t *testing.T) {
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {
			if n == 1 {
				// Non-retryable 400: no retry on this model, straight to
				// the fallback.
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"message":"bad request"}}`))
				return
			}
			okCompletion(w, "b/beta")
		},
	}
	srv := up.serve(t)
	b := newTestBroker(t, srv.URL)

	resp, err := b.Completion(context.Background(), &CompletionRequest{
		InstanceID: "worker-1",
		Category:   CategoryChat,
		Messages:   []Message{TextMessage("user", "hi")},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content())
	require.EqualValues(t, 2, up.completions.Load())
}

func TestCompletionExhaustsChain(t *testing.T) {
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"down"}}`))
		},
	}
	srv := up.serve(t)
	b := newTestBroker(t, srv.URL)

	_, err := b.Completion(context.Background(), &CompletionRequest{
		InstanceID: "worker-1",
		Category:   CategoryChat,
		Messages:   []Message{TextMessage("user", "hi")},
	})
	var ee *errors.ExhaustedError
	require.ErrorAs(t, err, &ee)
	// Both chat models were attempted, three attempts each (1 + 2 retries).
	require.Len(t, ee.Attempts, 2)
	for _, a := range ee.Attempts {
		require.Equal(t, 3, a.Attempts)
		require.Error(t, a.Err)
	}
	require.Error(t, ee.LastError())
}

func TestCompletionPinnedModelBypassesSelection(t *testing.T) {
	var gotModel string
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {
			var body struct {
				Model string `json:"model"`
			}
			_ = jsonDecode(r, &body)
			gotModel = body.Model
			okCompletion(w, body.Model)
		},
	}
	srv := up.serve(t)
	b := newTestBroker(t, srv.URL)

	_, err := b.Completion(context.Background(), &CompletionRequest{
		InstanceID: "worker-1",
		Model:      "custom/pinned",
		Messages:   []Message{TextMessage("user", "hi")},
	})
	require.NoError(t, err)
	require.Equal(t, "custom/pinned", gotModel)
	// Pinned requests never need the catalog.
	require.Zero(t, up.catalogCalls.Load())
}

func TestCompletionRateLimitedAtDailyLimit(t *testing.T) {
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {
			okCompletion(w, "a/alpha")
		},
	}
	srv := up.serve(t)

	st := store.NewMemoryStore()
	b, err := New(
		WithBaseURL(srv.URL),
		WithStore(st),
		WithRetry(0, 10*time.Millisecond, time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.AddCredential(context.Background(), "sk-only", 2, "free")
	require.NoError(t, err)

	ctx := context.Background()
	req := func() error {
		_, err := b.Completion(ctx, &CompletionRequest{
			InstanceID: "worker-1",
			Model:      "a/alpha",
			Messages:   []Message{TextMessage("user", "hi")},
		})
		return err
	}

	require.NoError(t, req())
	require.NoError(t, req())

	err = req()
	var be *errors.BrokerError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errors.KindRateLimited, be.Kind)
	require.Greater(t, be.RetryAfter, time.Duration(0))
}

func TestCompletionNoCredential(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.Completion(context.Background(), &CompletionRequest{
		InstanceID: "worker-1",
		Model:      "a/alpha",
		Messages:   []Message{TextMessage("user", "hi")},
	})
	var be *errors.BrokerError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errors.KindNoCredential, be.Kind)
}

func TestListModelsAndDiscover(t *testing.T) {
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {},
	}
	srv := up.serve(t)
	b := newTestBroker(t, srv.URL)

	ctx := context.Background()
	models, err := b.ListModels(ctx, "chat", false)
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.EqualValues(t, 1, up.catalogCalls.Load())

	// Fresh catalog: repeated discovery is a no-op.
	refreshed, err := b.Discover(ctx, false)
	require.NoError(t, err)
	require.False(t, refreshed)
	require.EqualValues(t, 1, up.catalogCalls.Load())

	refreshed, err = b.Discover(ctx, true)
	require.NoError(t, err)
	require.True(t, refreshed)
	require.EqualValues(t, 2, up.catalogCalls.Load())

	all, err := b.ListModels(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDeactivatedCredentialRotation(t *testing.T) {
	up := &fakeUpstream{
		catalog: chatCatalog,
		handler: func(w http.ResponseWriter, r *http.Request, n int64) {
			okCompletion(w, "a/alpha")
		},
	}
	srv := up.serve(t)
	b := newTestBroker(t, srv.URL)

	ctx := context.Background()
	second, err := b.AddCredential(ctx, "sk-second", 50, "free")
	require.NoError(t, err)

	require.NoError(t, req(b, ctx))

	// Deactivate whichever credential worker-1 is on; the next request
	// must rotate instead of failing.
	stats, err := b.UsageStats(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, stats.Credentials, 1)
	current := stats.Credentials[0].ID

	require.NoError(t, b.DeactivateCredential(ctx, current))
	require.NoError(t, req(b, ctx))

	stats, err = b.UsageStats(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, stats.Credentials, 1)
	require.NotEqual(t, current, stats.Credentials[0].ID)
	_ = second
}

func req(b *Broker, ctx context.Context) error {
	_, err := b.Completion(ctx, &CompletionRequest{
		InstanceID: "worker-1",
		Model:      "a/alpha",
		Messages:   []Message{TextMessage("user", "hi")},
	})
	return err
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
