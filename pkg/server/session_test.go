package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures written lines and can be told to fail
type recordingSink struct {
	mu     sync.Mutex
	lines  []string
	fail   bool
	closed bool
}

func (s *recordingSink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newTestSession(name string) (*Session, *recordingSink) {
	sink := &recordingSink{}
	return NewSession(name, uuid.New(), "127.0.0.1:1", transportTCP, sink), sink
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	alice, aliceSink := newTestSession("alice")

	require.NoError(t, r.Register(alice, "OK"))
	assert.Equal(t, []string{"OK"}, aliceSink.Lines())
	assert.Equal(t, 1, r.Count())

	other, otherSink := newTestSession("alice")
	err := r.Register(other, "OK")
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.Empty(t, otherSink.Lines())
	assert.Equal(t, 1, r.Count())
}

func TestRegistryRegisterWithoutAck(t *testing.T) {
	r := NewRegistry()
	alice, aliceSink := newTestSession("alice")

	require.NoError(t, r.Register(alice, ""))
	assert.Empty(t, aliceSink.Lines())
	assert.Equal(t, []string{"alice"}, r.Usernames())
}

func TestRegistryRegisterAckFailureKeepsSession(t *testing.T) {
	r := NewRegistry()
	alice, aliceSink := newTestSession("alice")
	aliceSink.fail = true

	err := r.Register(alice, "OK")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUsernameTaken)
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.Remove(alice))
}

func TestRegistryConcurrentRegisterSameName(t *testing.T) {
	r := NewRegistry()

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, _ := newTestSession("alice")
			if r.Register(sess, "OK") == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	alice, _ := newTestSession("alice")
	require.NoError(t, r.Register(alice, ""))

	assert.True(t, r.Remove(alice))
	assert.False(t, r.Remove(alice))
	assert.Zero(t, r.Count())

	// The name is free again
	again, _ := newTestSession("alice")
	assert.NoError(t, r.Register(again, ""))
}

func TestRegistryRemoveLeavesNewerSessionAlone(t *testing.T) {
	r := NewRegistry()
	stale, _ := newTestSession("alice")
	require.NoError(t, r.Register(stale, ""))
	require.True(t, r.Remove(stale))

	fresh, _ := newTestSession("alice")
	require.NoError(t, r.Register(fresh, ""))

	assert.False(t, r.Remove(stale))
	assert.Equal(t, []string{"alice"}, r.Usernames())
}

func TestRegistryUsernamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		sess, _ := newTestSession(name)
		require.NoError(t, r.Register(sess, ""))
	}

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Usernames())
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	alice, aliceSink := newTestSession("alice")
	bob, bobSink := newTestSession("bob")
	carol, carolSink := newTestSession("carol")
	for _, s := range []*Session{alice, bob, carol} {
		require.NoError(t, r.Register(s, ""))
	}

	evicted := r.Broadcast("MSG alice hi", "alice")

	assert.Empty(t, evicted)
	assert.Empty(t, aliceSink.Lines())
	assert.Equal(t, []string{"MSG alice hi"}, bobSink.Lines())
	assert.Equal(t, []string{"MSG alice hi"}, carolSink.Lines())
}

func TestRegistryBroadcastNoExclusion(t *testing.T) {
	r := NewRegistry()
	alice, aliceSink := newTestSession("alice")
	bob, bobSink := newTestSession("bob")
	require.NoError(t, r.Register(alice, ""))
	require.NoError(t, r.Register(bob, ""))

	r.Broadcast("INFO carol disconnected", "")

	assert.Equal(t, []string{"INFO carol disconnected"}, aliceSink.Lines())
	assert.Equal(t, []string{"INFO carol disconnected"}, bobSink.Lines())
}

func TestRegistryBroadcastEvictsFailedSinks(t *testing.T) {
	r := NewRegistry()
	metrics := NewMetrics()
	r.SetMetrics(metrics)

	alice, _ := newTestSession("alice")
	bob, bobSink := newTestSession("bob")
	carol, carolSink := newTestSession("carol")
	for _, s := range []*Session{alice, bob, carol} {
		require.NoError(t, r.Register(s, ""))
	}
	bobSink.fail = true

	evicted := r.Broadcast("MSG alice hi", "alice")

	assert.Equal(t, []string{"bob"}, evicted)
	assert.Equal(t, []string{"alice", "carol"}, r.Usernames())
	// Eviction neither closes the transport nor announces the departure
	assert.False(t, bobSink.closed)
	assert.Equal(t, []string{"MSG alice hi"}, carolSink.Lines())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.evictionsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.broadcastsTotal))
}

func TestRegistrySendTo(t *testing.T) {
	r := NewRegistry()
	metrics := NewMetrics()
	r.SetMetrics(metrics)

	alice, aliceSink := newTestSession("alice")
	bob, bobSink := newTestSession("bob")
	require.NoError(t, r.Register(alice, ""))
	require.NoError(t, r.Register(bob, ""))

	assert.True(t, r.SendTo("alice", "DM bob secret"))
	assert.Equal(t, []string{"DM bob secret"}, aliceSink.Lines())
	assert.Empty(t, bobSink.Lines())

	assert.False(t, r.SendTo("ghost", "DM bob hi"))

	// Delivery failures are swallowed and do not evict
	aliceSink.fail = true
	assert.True(t, r.SendTo("alice", "DM bob again"))
	assert.Equal(t, 2, r.Count())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.directMessages.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.directMessages.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.directMessages.WithLabelValues("failed")))
}

func TestRegistryWithoutMetrics(t *testing.T) {
	r := NewRegistry()
	alice, aliceSink := newTestSession("alice")
	aliceSink.fail = true
	require.Error(t, r.Register(alice, "OK"))

	assert.Equal(t, []string{"alice"}, r.Broadcast("MSG bob hi", ""))
	assert.False(t, r.SendTo("alice", "DM bob hi"))
}

func TestRegistryLeave(t *testing.T) {
	r := NewRegistry()
	alice, aliceSink := newTestSession("alice")
	bob, bobSink := newTestSession("bob")
	require.NoError(t, r.Register(alice, ""))
	require.NoError(t, r.Register(bob, ""))

	assert.True(t, r.Leave(alice, "INFO alice disconnected"))
	assert.Empty(t, aliceSink.Lines())
	assert.Equal(t, []string{"INFO alice disconnected"}, bobSink.Lines())
	assert.Equal(t, []string{"bob"}, r.Usernames())
}

func TestRegistryLeaveSkipsReclaimedName(t *testing.T) {
	r := NewRegistry()
	stale, _ := newTestSession("alice")
	bob, bobSink := newTestSession("bob")
	require.NoError(t, r.Register(stale, ""))
	require.NoError(t, r.Register(bob, ""))
	require.True(t, r.Remove(stale))

	fresh, freshSink := newTestSession("alice")
	require.NoError(t, r.Register(fresh, ""))

	assert.False(t, r.Leave(stale, "INFO alice disconnected"))
	assert.Empty(t, bobSink.Lines())
	assert.Empty(t, freshSink.Lines())
	assert.Equal(t, []string{"alice", "bob"}, r.Usernames())
}

func TestRegistryBroadcastDurationExcludesLockWait(t *testing.T) {
	r := NewRegistry()
	metrics := NewMetrics()
	r.SetMetrics(metrics)
	alice, _ := newTestSession("alice")
	require.NoError(t, r.Register(alice, ""))

	r.mu.Lock()
	done := make(chan struct{})
	go func() {
		r.Broadcast("MSG bob hi", "")
		close(done)
	}()
	time.Sleep(200 * time.Millisecond)
	r.mu.Unlock()
	<-done

	// Waiting for the lock is not part of the observed duration
	var m dto.Metric
	require.NoError(t, metrics.broadcastDuration.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.Less(t, m.GetHistogram().GetSampleSum(), 0.1)
}
