package stream

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/opsdash/internal/metrics"
)

const waitFor = 2 * time.Second

func awaitConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()

	select {
	case c := <-d.dialed:
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func awaitEvent(t *testing.T, r *recorder) Event {
	t.Helper()

	select {
	case ev := <-r.got:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func awaitError(t *testing.T, r *recorder) error {
	t.Helper()

	select {
	case err := <-r.failed:
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for error report")
		return nil
	}
}

func TestManager_DeliversParsedEvents(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	m := NewManager(d, rec.handle, Options{OnError: rec.onError, Logger: testLogger()})

	m.SetURL("http://api/stream?jobId=J1")
	conn := awaitConn(t, d)

	conn.msgs <- `{"type":"progress","progress":40}`
	conn.msgs <- "oops"

	first := awaitEvent(t, rec)
	assert.Equal(t, TypeProgress, first.Type)
	require.NotNil(t, first.Progress)
	assert.InDelta(t, 40, *first.Progress, 0)

	second := awaitEvent(t, rec)
	assert.Equal(t, TypeMessage, second.Type)
	assert.Equal(t, "oops", second.Message)
	assert.Equal(t, "oops", second.Raw)

	assert.True(t, m.Live())
	assert.Equal(t, "http://api/stream?jobId=J1", m.URL())

	m.Close()
	m.Wait()

	assert.False(t, m.Live())
	assert.Empty(t, rec.errs, "Close is not an error")
	assert.EqualValues(t, 2, m.Stats().Messages)
}

func TestManager_RapidKeyChangesKeepOneConnection(t *testing.T) {
	d := newFakeDialer()
	d.delay = 5 * time.Millisecond

	rec := newRecorder()
	m := NewManager(d, rec.handle, Options{Logger: testLogger()})

	for i := range 20 {
		m.SetURL("A")
		m.SetURL("B")
		m.SetURL(fmt.Sprintf("C%d", i))

		if i%3 == 0 {
			time.Sleep(7 * time.Millisecond)
		}
	}

	m.SetURL("")

	// The empty URL alone must tear the last connection down.
	assert.Eventually(t, func() bool { return d.open.Load() == 0 && !m.Live() },
		2*time.Second, 5*time.Millisecond, "connection leaked after settling on empty URL")
	assert.Equal(t, "", m.URL())

	m.Close()
	m.Wait()

	assert.LessOrEqual(t, d.maxOpen.Load(), int32(1), "two connections were open at once")
	assert.Zero(t, d.open.Load())
	assert.Equal(t, "", m.URL())
	assert.False(t, m.Live())
}

func TestManager_SettlesOnLastURL(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	m := NewManager(d, rec.handle, Options{Logger: testLogger()})

	m.SetURL("A")
	m.SetURL("B")
	m.SetURL("C")

	// Earlier sessions may or may not have dialed; C always does.
	var last *fakeConn
	for last == nil || last.url != "C" {
		last = awaitConn(t, d)
	}

	assert.LessOrEqual(t, d.maxOpen.Load(), int32(1))

	m.SetURL("")
	assert.True(t, last.isClosed(), "empty URL closes synchronously")
	assert.Zero(t, d.open.Load())

	m.Close()
	m.Wait()
}

func TestManager_SameURLIsNoop(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d, newRecorder().handle, Options{Logger: testLogger()})

	m.SetURL("A")
	conn := awaitConn(t, d)

	m.SetURL("A")
	m.SetURL("A")

	m.Close()
	m.Wait()

	assert.EqualValues(t, 1, d.dials.Load())
	assert.True(t, conn.isClosed())
}

func TestManager_TransportErrorEndsWithoutReconnect(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	col := metrics.NewCollector()
	m := NewManager(d, rec.handle, Options{OnError: rec.onError, Metrics: col, Logger: testLogger()})

	m.SetURL("A")
	conn := awaitConn(t, d)

	boom := errors.New("connection reset")
	conn.fail <- boom

	err := awaitError(t, rec)
	assert.ErrorIs(t, err, boom)
	assert.True(t, conn.isClosed())

	// Give a hypothetical reconnect a chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, d.dials.Load())
	assert.False(t, m.Live())
	assert.Equal(t, "", m.URL())

	// Asking for the same URL again reopens it.
	m.SetURL("A")
	awaitConn(t, d)
	assert.EqualValues(t, 2, d.dials.Load())

	m.Close()
	m.Wait()

	assert.EqualValues(t, 1, m.Stats().Errors)
	assert.Zero(t, d.open.Load())
}

func TestManager_ServerEndReported(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	m := NewManager(d, rec.handle, Options{OnError: rec.onError, Logger: testLogger()})

	m.SetURL("A")
	conn := awaitConn(t, d)
	close(conn.msgs)

	assert.ErrorIs(t, awaitError(t, rec), ErrStreamEnded)

	m.Close()
	m.Wait()
}

func TestManager_DialErrorReported(t *testing.T) {
	d := newFakeDialer()
	d.dialErr = &StatusError{StatusCode: 403}

	rec := newRecorder()
	m := NewManager(d, rec.handle, Options{OnError: rec.onError, Logger: testLogger()})

	m.SetURL("A")

	var statusErr *StatusError
	require.ErrorAs(t, awaitError(t, rec), &statusErr)
	assert.Equal(t, 403, statusErr.StatusCode)

	m.Close()
	m.Wait()
}

func TestManager_HandlerMayClearURL(t *testing.T) {
	d := newFakeDialer()
	done := make(chan struct{})

	var m *Manager
	m = NewManager(d, func(_ string, ev Event) {
		if ev.Type == TypeComplete {
			m.SetURL("")
			close(done)
		}
	}, Options{Logger: testLogger()})

	m.SetURL("A")
	conn := awaitConn(t, d)
	conn.msgs <- `{"type":"complete"}`

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("handler did not run")
	}

	assert.True(t, conn.isClosed())
	assert.Equal(t, "", m.URL())

	m.Close()
	m.Wait()
}

func TestManager_NoDeliveryAfterClose(t *testing.T) {
	d := newFakeDialer()
	rec := newRecorder()
	m := NewManager(d, rec.handle, Options{Logger: testLogger()})

	m.SetURL("A")
	conn := awaitConn(t, d)

	m.Close()
	m.SetURL("B")
	m.Wait()

	conn.msgs <- `{"type":"progress"}`

	assert.Empty(t, rec.events)
	assert.Equal(t, []string{"A"}, d.dialedURLs(), "SetURL after Close is ignored")
}

func TestManager_MetricsTrackOpenConnections(t *testing.T) {
	d := newFakeDialer()
	col := metrics.NewCollector()
	rec := newRecorder()
	m := NewManager(d, rec.handle, Options{Metrics: col, Logger: testLogger()})

	m.SetURL("A")
	conn := awaitConn(t, d)
	conn.msgs <- `{"type":"progress","progress":1}`
	awaitEvent(t, rec)

	m.SetURL("B")
	awaitConn(t, d)

	m.Close()
	m.Wait()

	assert.EqualValues(t, 2, m.Stats().Dials)
	assert.Zero(t, d.open.Load())
}
