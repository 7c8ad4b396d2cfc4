package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicroute/internal/domain"
	"civicroute/internal/logging"
)

type memOutbox struct {
	mu      sync.Mutex
	events  []domain.Event
	cursors map[string]int64
}

func newMemOutbox(types ...string) *memOutbox {
	o := &memOutbox{cursors: map[string]int64{}}
	for _, t := range types {
		o.add(t, "c1", "a1")
	}
	return o
}

func (o *memOutbox) add(typ, complaint, authority string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, domain.Event{
		ID: int64(len(o.events) + 1), Type: typ, ComplaintID: complaint, AuthorityID: authority,
		ActorID: "system", TS: "2026-03-02T12:00:00Z", Payload: `{"k":"v"}`,
	})
}

func (o *memOutbox) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []domain.Event
	for _, e := range o.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (o *memOutbox) LatestEventID(context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int64(len(o.events)), nil
}

func (o *memOutbox) DeliveryCursor(_ context.Context, sink string) (int64, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.cursors[sink]
	return c, ok, nil
}

func (o *memOutbox) SetDeliveryCursor(_ context.Context, sink string, cursor int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cursors[sink] = cursor
	return nil
}

type recordingSink struct {
	name   string
	mu     sync.Mutex
	got    []int64
	failOn map[int64]int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[evt.ID] > 0 {
		s.failOn[evt.ID]--
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, evt.ID)
	return nil
}

func (s *recordingSink) ids() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.got...)
}

func TestDispatcherStartsAtEndOfLog(t *testing.T) {
	ctx := context.Background()
	out := newMemOutbox(domain.EventComplaintFiled, domain.EventComplaintAssigned)
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(out, Options{}).Add(sink)

	require.NoError(t, d.DispatchOnce(ctx))
	assert.Empty(t, sink.ids())
	assert.Equal(t, int64(2), out.cursors["rec"])

	out.add(domain.EventAuthorityNotified, "c1", "a1")
	require.NoError(t, d.DispatchOnce(ctx))
	assert.Equal(t, []int64{3}, sink.ids())
}

func TestDispatcherReplay(t *testing.T) {
	out := newMemOutbox(domain.EventComplaintFiled, domain.EventComplaintAssigned)
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(out, Options{Replay: true}).Add(sink)
	require.NoError(t, d.DispatchOnce(context.Background()))
	assert.Equal(t, []int64{1, 2}, sink.ids())
}

func TestDispatcherRetriesFromFailedEvent(t *testing.T) {
	ctx := context.Background()
	out := newMemOutbox("a", "b", "c")
	failing := &recordingSink{name: "flaky", failOn: map[int64]int{2: 1}}
	healthy := &recordingSink{name: "ok"}
	d := NewDispatcher(out, Options{Replay: true}).Add(failing).Add(healthy)

	err := d.DispatchOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flaky")
	assert.Equal(t, []int64{1}, failing.ids())
	assert.Equal(t, []int64{1, 2, 3}, healthy.ids())
	assert.Equal(t, int64(1), out.cursors["flaky"])

	require.NoError(t, d.DispatchOnce(ctx))
	assert.Equal(t, []int64{1, 2, 3}, failing.ids())
}

func TestDispatcherFilterStillAdvancesCursor(t *testing.T) {
	out := newMemOutbox(domain.EventComplaintFiled, domain.EventComplaintEscalated, domain.EventAuthorityNotified)
	sink := &recordingSink{name: "esc"}
	d := NewDispatcher(out, Options{Replay: true, BatchSize: 2}).Add(sink, domain.EventComplaintEscalated)

	require.NoError(t, d.DispatchOnce(context.Background()))
	require.NoError(t, d.DispatchOnce(context.Background()))
	assert.Equal(t, []int64{2}, sink.ids())
	assert.Equal(t, int64(3), out.cursors["esc"])
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	out := newMemOutbox()
	d := NewDispatcher(out, Options{Interval: 5 * time.Millisecond}).Add(&recordingSink{name: "rec"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEventFilter(t *testing.T) {
	all := NewEventFilter(nil)
	assert.True(t, all.Match("anything"))
	assert.True(t, NewEventFilter([]string{"complaint.filed", "*"}).Match("authority.created"))

	f := NewEventFilter([]string{" complaint.* ", "authority.notified", ""})
	assert.True(t, f.Match(domain.EventComplaintFiled))
	assert.True(t, f.Match(domain.EventComplaintEscalated))
	assert.True(t, f.Match(domain.EventAuthorityNotified))
	assert.False(t, f.Match(domain.EventAuthorityCreated))
}

func TestWebhookSinkPostsEnvelope(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := WebhookSink{URL: srv.URL, Secret: "s3cret"}
	evt := domain.Event{ID: 42, Type: domain.EventComplaintEscalated, ComplaintID: "c9", AuthorityID: "state-water", ActorID: "system", Payload: `{"level":1}`}
	require.NoError(t, sink.Deliver(context.Background(), evt))

	assert.Equal(t, domain.EventComplaintEscalated, gotHeaders.Get("X-Civic-Event"))
	assert.Equal(t, "42", gotHeaders.Get("X-Civic-Delivery"))
	assert.Equal(t, "state-water", gotHeaders.Get("X-Civic-Authority"))
	assert.Equal(t, "s3cret", gotHeaders.Get("X-Civic-Secret"))
	assert.Equal(t, "c9", gotBody.ComplaintID)
	assert.JSONEq(t, `{"level":1}`, string(gotBody.Payload))
}

func TestWebhookSinkRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := WebhookSink{URL: srv.URL}.Deliver(context.Background(), domain.Event{ID: 1, Type: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestEnvelopeKeepsInvalidPayloadRaw(t *testing.T) {
	env := NewEnvelope(domain.Event{ID: 1, Payload: "not json"})
	assert.JSONEq(t, `{}`, string(env.Payload))
	assert.Equal(t, "not json", env.PayloadRaw)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: logging.NewWriter(&buf, "info", "json")}
	require.NoError(t, sink.Deliver(context.Background(), domain.Event{ID: 7, Type: domain.EventComplaintEscalated, ComplaintID: "c1"}))
	line := buf.String()
	assert.Contains(t, line, `"level":"WARN"`)
	assert.Contains(t, line, `"complaint":"c1"`)
}

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?authority=dehradun-jal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Deliver(ctx, domain.Event{ID: 1, Type: domain.EventAuthorityNotified, AuthorityID: "state-water"}))
	require.NoError(t, hub.Deliver(ctx, domain.Event{ID: 2, Type: domain.EventAuthorityNotified, AuthorityID: "dehradun-jal"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, int64(2), env.ID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
