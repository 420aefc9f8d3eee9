package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func statusEvent(t *testing.T, id string, st model.CampaignStatus, sent int64) Event {
	t.Helper()
	c := &model.Campaign{ID: id, Status: st, Counters: model.Counters{SentCount: sent}}
	ev, err := NewEvent(model.EventCampaignStatus, model.NewStatusPayload(c))
	require.NoError(t, err)
	return ev
}

func TestFanoutEmitsToAll(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	ev := statusEvent(t, "c1", model.StatusCompleted, 2)

	Fanout{a, Nop{}, b}.Emit(context.Background(), ev)

	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)
}

func TestHubPushesFramesToClients(t *testing.T) {
	hub := NewHub(zap.NewNop(), HubOptions{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Emit(context.Background(), statusEvent(t, "c1", model.StatusInProgress, 0))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Event string              `json:"event"`
		Data  model.StatusPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &got))
	assert.Equal(t, model.EventCampaignStatus, got.Event)
	assert.Equal(t, "c1", got.Data.CampaignID)
	assert.Equal(t, model.StatusInProgress, got.Data.Status)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsWhenClientBufferFull(t *testing.T) {
	hub := NewHub(zap.NewNop(), HubOptions{ClientBuffer: 1})
	slow := &client{id: "slow", send: make(chan []byte, 1)}
	require.True(t, hub.add(slow))

	hub.Emit(context.Background(), statusEvent(t, "c1", model.StatusInProgress, 0))
	hub.Emit(context.Background(), statusEvent(t, "c1", model.StatusCompleted, 1))

	assert.Len(t, slow.send, 1, "second frame dropped, emitter did not block")

	hub.Close()
	assert.Equal(t, 0, hub.Len())
	assert.False(t, hub.add(&client{id: "late", send: make(chan []byte, 1)}))
}

func TestRedisBusAndRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recorder{}
	ready := make(chan struct{})
	relayDone := make(chan error, 1)
	go func() { relayDone <- NewRelay(rdb, "cgw:events", sink, zap.NewNop()).Run(ctx, ready) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}

	bus := NewRedisBus(rdb, "cgw:events", zap.NewNop())
	busDone := make(chan struct{})
	go func() { bus.Run(ctx); close(busDone) }()

	bus.Emit(ctx, statusEvent(t, "c9", model.StatusCompleted, 3))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := sink.snapshot()[0]
	assert.Equal(t, model.EventCampaignStatus, got.Name)

	var p model.StatusPayload
	require.NoError(t, json.Unmarshal(got.Data, &p))
	assert.Equal(t, "c9", p.CampaignID)
	assert.EqualValues(t, 3, p.SentCount)

	cancel()
	<-busDone
	assert.NoError(t, <-relayDone)
}

type memHistory struct {
	mu      sync.Mutex
	batches [][]model.StatusEvent
}

func (m *memHistory) InsertBatch(_ context.Context, rows []model.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]model.StatusEvent(nil), rows...))
	return nil
}

func (m *memHistory) rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestHistoryRecorderBatchesStatusEvents(t *testing.T) {
	opt := goleak.IgnoreCurrent()
	defer goleak.VerifyNone(t, opt)

	store := &memHistory{}
	h := NewHistoryRecorder(store, 2, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	created, err := NewEvent(model.EventCampaignCreated, map[string]string{"id": "c1"})
	require.NoError(t, err)
	h.Emit(ctx, created)
	h.Emit(ctx, statusEvent(t, "c1", model.StatusInProgress, 0))
	h.Emit(ctx, statusEvent(t, "c1", model.StatusCompleted, 2))

	require.Eventually(t, func() bool { return store.rows() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.Emit(ctx, statusEvent(t, "c2", model.StatusFailed, 0))
	cancel()
	<-done

	assert.Equal(t, 3, store.rows(), "pending rows flushed on shutdown, non-status events ignored")
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "completed", store.batches[0][1].Status)
	assert.EqualValues(t, 2, store.batches[0][1].SentCount)
}
