package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMicroBreakerOpensAndProbes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewMicroBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	b.OnFailure()
	assert.True(t, b.Ready())
	b.OnFailure()
	assert.False(t, b.Ready(), "two consecutive failures open the breaker")
	assert.False(t, b.TryAcquire())

	now = now.Add(2 * time.Second)
	require.True(t, b.TryAcquire(), "probe allowed after openFor")
	assert.False(t, b.TryAcquire(), "only one probe in flight")

	b.OnFailure()
	assert.False(t, b.Ready(), "failed probe re-opens")

	now = now.Add(2 * time.Second)
	require.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.True(t, b.Ready())
	assert.True(t, b.TryAcquire())
}

type stubProvider struct {
	name  string
	calls atomic.Int32
	err   error
}

func (p *stubProvider) Name() string  { return p.name }
func (p *stubProvider) Ready() bool   { return true }
func (p *stubProvider) Acquire() bool { return true }
func (p *stubProvider) Send(context.Context, model.SMS) error {
	p.calls.Add(1)
	return p.err
}

func TestDispatcherRoundRobinAndRetry(t *testing.T) {
	bad := &stubProvider{name: "bad", err: errors.New("boom")}
	good := &stubProvider{name: "good"}

	d, err := NewDispatcher([]Provider{bad, good}, 2)
	require.NoError(t, err)

	require.NoError(t, d.Send(context.Background(), model.SMS{Phone: "+15550001", Text: "hi"}))
	assert.EqualValues(t, 1, bad.calls.Load())
	assert.EqualValues(t, 1, good.calls.Load())
}

func TestDispatcherReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	p := &stubProvider{name: "only", err: boom}

	d, err := NewDispatcher([]Provider{p}, 3)
	require.NoError(t, err)

	assert.ErrorIs(t, d.Send(context.Background(), model.SMS{}), boom)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestNewDispatcherRequiresProviders(t *testing.T) {
	_, err := NewDispatcher(nil, 1)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestHTTPProviderPostsJSON(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Path + " " + r.Header.Get("Content-Type"))
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ok := NewHTTPProvider("p1", srv.URL, "/send", 1000, 1, 1000)
	require.NoError(t, ok.Send(context.Background(), model.SMS{Phone: "+15550001", Text: "hi"}))
	assert.Equal(t, "/send application/json", got.Load())

	failing := NewHTTPProvider("p2", srv.URL, "/fail", 1000, 1, 60_000)
	err := failing.Send(context.Background(), model.SMS{Phone: "+15550001", Text: "hi"})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Temporary())
	assert.False(t, failing.Ready(), "threshold 1 opens after one failure")
}
