package reconnect_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmkutils/go-zmk-battery/monitor"
	"github.com/zmkutils/go-zmk-battery/reconnect"
)

type fakeConnector struct {
  mu sync.Mutex
  results []monitor.ConnectResult
  attempts int
}

// Consumes one scripted result per attempt; the last one repeats.
func (c *fakeConnector) Connect(ctx context.Context, dev monitor.DeviceIdentity) monitor.ConnectResult {
  c.mu.Lock()
  defer c.mu.Unlock()

  c.attempts += 1
  res := c.results[0]

  if len(c.results) > 1 {
    c.results = c.results[1:]
  }

  return res
}

func (c *fakeConnector) attemptCount() int {
  c.mu.Lock()
  defer c.mu.Unlock()

  return c.attempts
}

func testDevice(t *testing.T) monitor.DeviceIdentity {
  t.Helper()

  dev, err := monitor.NewDeviceIdentity("corne", "aa:bb:cc:dd:ee:ff")
  require.NoError(t, err)

  return dev
}

func newTestScheduler(
  t *testing.T,
  connector reconnect.Connector,
  interval int,
) (*reconnect.Scheduler, chan reconnect.Status) {
  t.Helper()

  statuses := make(chan reconnect.Status, 1024)

  s := reconnect.New(connector, testDevice(t), func(status reconnect.Status) {
    statuses <- status
  })
  s.Interval = interval
  s.TickEvery = time.Millisecond

  return s, statuses
}

func waitForState(t *testing.T, statuses chan reconnect.Status, want reconnect.State) reconnect.Status {
  t.Helper()

  for {
    select {
    case s := <-statuses:
      if s.State == want {
        return s
      }
    case <-time.After(2 * time.Second):
      t.Fatalf("timed out waiting for state %v", want)
    }
  }
}

func TestScheduler_CountsDownThenConnects(t *testing.T) {
  connector := &fakeConnector{
    results: []monitor.ConnectResult{{Status: monitor.StatusConnected}},
  }

  s, statuses := newTestScheduler(t, connector, 3)
  s.Start(context.Background())

  waiting := waitForState(t, statuses, reconnect.StateWaiting)
  assert.Equal(t, 2, waiting.Remaining)

  waitForState(t, statuses, reconnect.StateConnecting)
  waitForState(t, statuses, reconnect.StateConnected)

  assert.Equal(t, 1, connector.attemptCount())

  // a successful connect halts the scheduler entirely.
  assert.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)

  time.Sleep(20 * time.Millisecond)
  assert.Equal(t, 1, connector.attemptCount(), "no further attempts after success")
}

func TestScheduler_RetriesWithFullIntervalOnFailure(t *testing.T) {
  connector := &fakeConnector{
    results: []monitor.ConnectResult{
      {Status: monitor.StatusServiceNotFound},
      {Status: monitor.StatusConnected},
    },
  }

  s, statuses := newTestScheduler(t, connector, 2)
  s.Start(context.Background())

  failed := waitForState(t, statuses, reconnect.StateFailed)
  assert.Equal(t, monitor.StatusServiceNotFound, failed.Result.Status)

  // the countdown restarts from the full interval, then the retry succeeds.
  waiting := waitForState(t, statuses, reconnect.StateWaiting)
  assert.Equal(t, 1, waiting.Remaining)

  waitForState(t, statuses, reconnect.StateConnected)
  assert.Equal(t, 2, connector.attemptCount())
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
  connector := &fakeConnector{
    results: []monitor.ConnectResult{{Status: monitor.StatusConnected}},
  }

  s, statuses := newTestScheduler(t, connector, 5)
  s.Start(context.Background())
  s.Start(context.Background()) // second start must not spawn a second countdown

  waitForState(t, statuses, reconnect.StateConnected)

  time.Sleep(20 * time.Millisecond)
  assert.Equal(t, 1, connector.attemptCount(), "exactly one countdown may run")
}

func TestScheduler_StopHaltsFutureTicks(t *testing.T) {
  connector := &fakeConnector{
    results: []monitor.ConnectResult{{Status: monitor.StatusConnected}},
  }

  s, _ := newTestScheduler(t, connector, 1000)
  s.Start(context.Background())

  require.True(t, s.Running())

  s.Stop()

  assert.False(t, s.Running())

  time.Sleep(20 * time.Millisecond)
  assert.Zero(t, connector.attemptCount(), "no attempt may fire after stop")

  s.Stop() // stopping again is a no-op
  assert.False(t, s.Running())
}

func TestScheduler_CanBeRestartedAfterSuccess(t *testing.T) {
  connector := &fakeConnector{
    results: []monitor.ConnectResult{{Status: monitor.StatusConnected}},
  }

  s, statuses := newTestScheduler(t, connector, 1)
  s.Start(context.Background())

  waitForState(t, statuses, reconnect.StateConnected)
  assert.False(t, s.Running())

  // e.g. the user disconnected later on; a fresh start runs a fresh countdown.
  s.Start(context.Background())

  waitForState(t, statuses, reconnect.StateConnected)
  assert.Equal(t, 2, connector.attemptCount())
}

func TestScheduler_RemainingReadout(t *testing.T) {
  connector := &fakeConnector{
    results: []monitor.ConnectResult{{Status: monitor.StatusConnected}},
  }

  s, _ := newTestScheduler(t, connector, 1000)
  s.Remaining() // zero before start

  s.Start(context.Background())
  defer s.Stop()

  assert.Eventually(t, func() bool {
    left := s.Remaining()
    return left > 0 && left < 1000
  }, time.Second, time.Millisecond)
}

// Connect blocks until released, so a test can land Stop() mid-attempt.
type blockingConnector struct {
  started chan struct{}
  release chan struct{}
  result monitor.ConnectResult
}

func (c *blockingConnector) Connect(ctx context.Context, dev monitor.DeviceIdentity) monitor.ConnectResult {
  close(c.started)
  <-c.release

  return c.result
}

func TestScheduler_StopDuringAttemptSuppressesStatus(t *testing.T) {
  connector := &blockingConnector{
    started: make(chan struct{}),
    release: make(chan struct{}),
    result: monitor.ConnectResult{Status: monitor.StatusDeviceNotFound},
  }

  s, statuses := newTestScheduler(t, connector, 1)
  s.Start(context.Background())

  waitForState(t, statuses, reconnect.StateConnecting)
  <-connector.started

  s.Stop()
  close(connector.release)

  // the in-flight attempt's outcome is moot once Stop() returned; the callback
  // must hear nothing about it.
  select {
  case status := <-statuses:
    t.Fatalf("status emitted after stop: %v", status)
  case <-time.After(50 * time.Millisecond):
  }

  assert.False(t, s.Running())
}
