package reconnect

import (
  "context"
  "fmt"
  "strconv"
  "sync"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog/log"

  "github.com/zmkutils/go-zmk-battery/monitor"
)

const (
  // Ticks between connect attempts. One tick is TickEvery, one second by default.
  DefaultInterval = 300
)

var (
  attemptsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "zmk_battery_reconnect_attempts_total",
  })
  failuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "zmk_battery_reconnect_failures_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(attemptsCounter, failuresCounter)
}

// Connector issues one connect attempt against a remembered device. Satisfied by
// *monitor.Monitor.
type Connector interface {
  Connect(ctx context.Context, dev monitor.DeviceIdentity) monitor.ConnectResult
}

type State uint8

const (
  // Counting down to the next connect attempt.
  StateWaiting State = iota
  // A connect attempt is in flight.
  StateConnecting
  // The attempt succeeded; the scheduler has stopped until restarted.
  StateConnected
  // The attempt failed; the countdown restarted from the full interval.
  StateFailed
)

func (s State) String() string {
  switch s {
  case StateWaiting:
    return "Waiting"
  case StateConnecting:
    return "Connecting"
  case StateConnected:
    return "Connected"
  case StateFailed:
    return "Failed"
  default:
    panic("unknown State value: " + strconv.Itoa(int(s)))
  }
}

// Status is pushed to the callback on every tick transition. Remaining is only
// meaningful while Waiting; Result only when Connecting finished (Connected or Failed).
type Status struct {
  State State
  Remaining int
  Result monitor.ConnectResult
}

func (s Status) String() string {
  switch s.State {
  case StateWaiting:
    return fmt.Sprintf("connecting in %d seconds", s.Remaining)
  case StateFailed:
    return fmt.Sprintf("could not connect: %v", s.Result)
  default:
    return s.State.String()
  }
}

// Scheduler drives unbounded flat-interval reconnect attempts against one remembered
// device. At most one countdown loop runs per scheduler; attempts never overlap because
// a tick only fires again after the previous attempt's outcome is known.
type Scheduler struct {
  // Interval is the countdown length in ticks.
  Interval int
  // TickEvery is the tick period. Tests shrink it; everyone else gets one second.
  TickEvery time.Duration

  connector Connector
  dev monitor.DeviceIdentity
  onStatus func(Status)

  mu sync.Mutex
  running bool
  remaining int
  cancel context.CancelFunc
}

func New(c Connector, dev monitor.DeviceIdentity, onStatus func(Status)) *Scheduler {
  return &Scheduler{
    Interval: DefaultInterval,
    TickEvery: time.Second,
    connector: c,
    dev: dev,
    onStatus: onStatus,
  }
}

// Start begins the countdown. Calling it while the loop is already running is a no-op;
// there is never more than one active countdown.
func (s *Scheduler) Start(ctx context.Context) {
  s.mu.Lock()
  defer s.mu.Unlock()

  if s.running {
    log.Debug().Msg("reconnect: scheduler already running, ignoring start")
    return
  }

  s.running = true
  s.remaining = s.Interval

  runCtx, cancel := context.WithCancel(ctx)
  s.cancel = cancel

  log.Info().
    Stringer("Device", s.dev).
    Int("IntervalTicks", s.Interval).
    Msg("reconnect: scheduler started")

  go s.loop(runCtx)
}

// Stop halts future ticks immediately. Safe to call concurrently and when not running.
func (s *Scheduler) Stop() {
  s.mu.Lock()
  defer s.mu.Unlock()

  if !s.running {
    return
  }

  s.running = false
  s.cancel()

  log.Info().Msg("reconnect: scheduler stopped")
}

func (s *Scheduler) Running() bool {
  s.mu.Lock()
  defer s.mu.Unlock()

  return s.running
}

// Remaining reports the seconds left until the next attempt, for UIs to render
// "connecting in N seconds".
func (s *Scheduler) Remaining() int {
  s.mu.Lock()
  defer s.mu.Unlock()

  return s.remaining
}

func (s *Scheduler) loop(ctx context.Context) {
  ticker := time.NewTicker(s.TickEvery)
  defer ticker.Stop()

  for {
    select {
    case <-ctx.Done():
      return
    case <-ticker.C:
    }

    s.mu.Lock()

    if !s.running {
      s.mu.Unlock()
      return
    }

    s.remaining -= 1
    left := s.remaining
    s.mu.Unlock()

    if left > 0 {
      s.emit(Status{State: StateWaiting, Remaining: left})
      continue
    }

    s.emit(Status{State: StateConnecting})
    attemptsCounter.Inc()

    res := s.connector.Connect(ctx, s.dev)

    s.mu.Lock()

    // Stop() may have landed while the attempt was in flight. The outcome is
    // moot then, and no status may reach the callback after Stop() returned.
    if !s.running {
      s.mu.Unlock()
      return
    }

    if res.Status == monitor.StatusConnected {
      s.running = false
      s.cancel()
      s.mu.Unlock()

      log.Info().Stringer("Device", s.dev).Msg("reconnect: connected, scheduler halting")
      s.emit(Status{State: StateConnected, Result: res})

      return
    }

    s.remaining = s.Interval
    s.mu.Unlock()

    failuresCounter.Inc()

    log.Warn().
      Stringer("Device", s.dev).
      Stringer("Result", res).
      Msg("reconnect: connect attempt failed, restarting countdown")

    s.emit(Status{State: StateFailed, Result: res})
  }
}

func (s *Scheduler) emit(status Status) {
  if s.onStatus != nil {
    s.onStatus(status)
  }
}
