package escalation

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicroute/internal/domain"
)

type stubSource struct {
	complaints []domain.Complaint
	gate       chan struct{}
	calls      atomic.Int32
}

func (s *stubSource) ListOpen(ctx context.Context) ([]domain.Complaint, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.complaints, nil
}

type recordingHandler struct {
	mu   sync.Mutex
	got  []Escalation
	fail map[string]error
}

func (h *recordingHandler) Escalate(_ context.Context, e Escalation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail[e.ComplaintID]; err != nil {
		return err
	}
	h.got = append(h.got, e)
	return nil
}

type stubSupervisors map[string]string

func (s stubSupervisors) Supervisor(_ context.Context, id string) (domain.Authority, bool, error) {
	sup, ok := s[id]
	if !ok {
		return domain.Authority{}, false, nil
	}
	return domain.Authority{ID: sup}, true, nil
}

type stubLocker struct{ held bool }

func (l *stubLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	if l.held {
		return func() {}, false, nil
	}
	l.held = true
	return func() { l.held = false }, true, nil
}

func ptr[T any](v T) *T { return &v }

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func complaint(id string, status domain.Status, due time.Time, authority string) domain.Complaint {
	return domain.Complaint{
		ID:                    id,
		Status:                status,
		EstimatedResolutionAt: ptr(due),
		AssignedAuthorityID:   ptr(authority),
	}
}

func TestSweepEscalatesOverdue(t *testing.T) {
	src := &stubSource{complaints: []domain.Complaint{
		complaint("late", domain.StatusInProgress, now.Add(-50*time.Hour), "city-water"),
		complaint("on-time", domain.StatusAcknowledged, now.Add(time.Hour), "city-water"),
		complaint("no-supervisor", domain.StatusFiled, now.Add(-time.Hour), "village-panchayat"),
		complaint("resolved", domain.StatusResolved, now.Add(-time.Hour), "city-water"),
	}}
	h := &recordingHandler{}
	m := New(src, h, stubSupervisors{"city-water": "state-water"}, Options{ReassignToSupervisor: true})

	report, err := m.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 2, report.Overdue)
	assert.Equal(t, 2, report.Escalated)
	require.Len(t, h.got, 2)

	late := h.got[0]
	assert.Equal(t, "late", late.ComplaintID)
	assert.Equal(t, 3, late.DaysOverdue)
	assert.Equal(t, "city-water", late.CurrentAuthorityID)
	assert.Equal(t, "state-water", late.SupervisorID)
	assert.True(t, late.Reassign)
	assert.Equal(t, 1, late.Level)

	plain := h.got[1]
	assert.Equal(t, "no-supervisor", plain.ComplaintID)
	assert.Empty(t, plain.SupervisorID)
	assert.False(t, plain.Reassign)
}

func TestSweepSkipsAlreadyEscalatedWindow(t *testing.T) {
	due := now.Add(-48 * time.Hour)
	c := complaint("late", domain.StatusInProgress, due, "city-water")
	c.LastEscalatedAt = ptr(due.Add(time.Hour))
	c.EscalationLevel = 1

	h := &recordingHandler{}
	m := New(&stubSource{complaints: []domain.Complaint{c}}, h, nil, Options{})
	report, err := m.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, h.got)

	// An escalation from before the current deadline belongs to an older window.
	c.LastEscalatedAt = ptr(due.Add(-time.Hour))
	m = New(&stubSource{complaints: []domain.Complaint{c}}, h, nil, Options{})
	_, err = m.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, h.got, 1)
	assert.Equal(t, 2, h.got[0].Level)
}

func TestDueRepeatAfter(t *testing.T) {
	due := now.Add(-72 * time.Hour)
	c := complaint("late", domain.StatusInProgress, due, "city-water")
	c.LastEscalatedAt = ptr(now.Add(-25 * time.Hour))

	assert.False(t, New(nil, nil, nil, Options{}).Due(c, now))
	assert.True(t, New(nil, nil, nil, Options{RepeatAfter: 24 * time.Hour}).Due(c, now))
	assert.False(t, New(nil, nil, nil, Options{RepeatAfter: 48 * time.Hour}).Due(c, now))
}

func TestSweepContinuesAfterHandlerFailure(t *testing.T) {
	src := &stubSource{complaints: []domain.Complaint{
		complaint("a", domain.StatusInProgress, now.Add(-time.Hour), "x"),
		complaint("b", domain.StatusInProgress, now.Add(-time.Hour), "x"),
	}}
	h := &recordingHandler{fail: map[string]error{"a": errors.New("db locked")}}
	report, err := New(src, h, nil, Options{}).Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Escalated)
	assert.Equal(t, "b", h.got[0].ComplaintID)
}

func TestSweepIsSingleFlight(t *testing.T) {
	src := &stubSource{
		complaints: []domain.Complaint{complaint("a", domain.StatusInProgress, now.Add(-time.Hour), "x")},
		gate:       make(chan struct{}),
	}
	h := &recordingHandler{}
	m := New(src, h, nil, Options{})

	var wg sync.WaitGroup
	reports := make([]Report, 3)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.Sweep(context.Background(), now)
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	// Let all callers reach the in-flight sweep before releasing it.
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Len(t, h.got, 1)
	for _, r := range reports {
		assert.Equal(t, 1, r.Escalated)
	}
}

func TestSweepSurvivesFirstCallerCancel(t *testing.T) {
	src := &stubSource{
		complaints: []domain.Complaint{complaint("a", domain.StatusInProgress, now.Add(-time.Hour), "x")},
		gate:       make(chan struct{}),
	}
	h := &recordingHandler{}
	m := New(src, h, nil, Options{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Sweep(firstCtx, now)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan Report, 1)
	go func() {
		r, err := m.Sweep(context.Background(), now.Add(time.Hour))
		assert.NoError(t, err)
		second <- r
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(src.gate)
	select {
	case r := <-second:
		assert.Equal(t, 1, r.Escalated)
		assert.Equal(t, now, r.StartedAt, "joined callers share the first caller's clock")
	case <-time.After(time.Second):
		t.Fatal("joined sweep did not finish")
	}
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Len(t, h.got, 1)
}

func TestSweepHonoursLock(t *testing.T) {
	src := &stubSource{complaints: []domain.Complaint{complaint("a", domain.StatusInProgress, now.Add(-time.Hour), "x")}}
	h := &recordingHandler{}
	lock := &stubLocker{held: true}
	m := New(src, h, nil, Options{}).WithLocker(lock)

	report, err := m.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, report.Locked)
	assert.Empty(t, h.got)

	lock.held = false
	report, err = m.Sweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)
	assert.False(t, lock.held, "released after sweep")
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &stubSource{}
	m := New(src, &recordingHandler{}, nil, Options{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("CIVIC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CIVIC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	key := "civic:test:lock:" + time.Now().Format("150405.000000")
	l := RedisLocker{Client: client}

	release, ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	release()
	release2, ok, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
