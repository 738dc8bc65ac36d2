package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zmkutils/go-zmk-battery/ble"
	"github.com/zmkutils/go-zmk-battery/metrics"
	"github.com/zmkutils/go-zmk-battery/monitor"
	"github.com/zmkutils/go-zmk-battery/reconnect"
)

const batteryLowThreshold = 20

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  if cfg.DiscoverDevices {
    doDeviceDiscovery(cfg)
    return
  }

  dev, err := monitor.NewDeviceIdentity(cfg.DeviceName, cfg.DeviceAddr)

  if err != nil {
    log.Fatal().Err(err).Str("Addr", cfg.DeviceAddr).Msg("Invalid device address")
  }

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Stringer("Device", dev).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Int("ReconnectIntervalSec", cfg.ReconnectInterval).
    Msg("Starting with the specified configuration")

  bleHandle := initBle(cfg, dev.Addr)

  lowWatch := newLowBatteryWatch()

  var mon *monitor.Monitor
  mon = monitor.New(bleHandle, func() {
    lowWatch.check(mon.Batteries())
  })
  mon.ScanTimeout = cfg.ScanTimeout

  sched := reconnect.New(mon, dev, func(s reconnect.Status) {
    switch s.State {
    case reconnect.StateWaiting:
      log.Trace().Stringer("Status", s).Msg("Reconnect status")
    case reconnect.StateConnecting:
      log.Info().Stringer("Device", dev).Msg("Attempting to connect")
    case reconnect.StateConnected:
      logBatteries(mon)
    case reconnect.StateFailed:
      log.Warn().Stringer("Status", s).Msg("Reconnect status")
    }
  })
  sched.Interval = cfg.ReconnectInterval

  registry := prometheus.NewRegistry()
  ble.RegisterMetrics(registry)
  reconnect.RegisterMetrics(registry)
  metrics.RegisterCollector(
    func() (map[uint16]monitor.BatteryStatus, bool) {
      return mon.Batteries(), mon.IsConnected()
    },
    dev.Name,
    registry,
  )

  ctx := ble.WrapContextWithSigHandler(context.WithCancel(context.Background()))

  // try once right away; the countdown only takes over when the keyboard isn't there yet.
  if res := mon.Connect(ctx, dev); res.Status == monitor.StatusConnected {
    logBatteries(mon)
  } else {
    log.Warn().Stringer("Result", res).Msg("Initial connect failed, scheduling retries")
    sched.Start(ctx)
  }

  log.Info().
      Str("ListenAddress", cfg.BindAddress).
      Msg("Starting Prometheus server")

  srv := &http.Server{
    Addr: cfg.BindAddress,
    Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
  }

  eg, egCtx := errgroup.WithContext(ctx)

  eg.Go(func() error {
    err := srv.ListenAndServe()

    if errors.Is(err, http.ErrServerClosed) {
      return nil
    }

    return err
  })

  eg.Go(func() error {
    <-egCtx.Done()
    return srv.Shutdown(context.Background())
  })

  eg.Go(func() error {
    watchLink(egCtx, mon, sched)
    return nil
  })

  if err := eg.Wait(); err != nil {
    log.Fatal().Err(err).Msg("Unable to bind on requested address")
  }

  sched.Stop()
  mon.Disconnect()
  bleHandle.Stop()
}

func initBle(cfg config, addr net.HardwareAddr) *ble.Handle {
  bleHandle, err := ble.InitWithConnParams(
    cfg.BluetoothDeviceId,
    cfg.BluetoothConnParams,
    ble.FlagEnableDeviceAllowList,
  )

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  err = bleHandle.SetAllowListedAddresses([]net.HardwareAddr{addr})

  if err != nil {
    log.Error().Err(err).Msg("Failed to set device allow list")
  }

  return bleHandle
}

// Restart the countdown when an established session drops. The scheduler's own
// idempotent start makes the poll safe even when it races a connect attempt.
func watchLink(ctx context.Context, mon *monitor.Monitor, sched *reconnect.Scheduler) {
  ticker := time.NewTicker(5 * time.Second)
  defer ticker.Stop()

  wasConnected := mon.IsConnected()

  for {
    select {
    case <-ctx.Done():
      return
    case <-ticker.C:
    }

    connected := mon.IsConnected()

    if wasConnected && !connected {
      log.Warn().Msg("Connection to the keyboard was lost, scheduling reconnect")
      sched.Start(ctx)
    }

    wasConnected = connected
  }
}

func logBatteries(mon *monitor.Monitor) {
  e := log.Info()

  for _, battery := range mon.Batteries() {
    e = e.Int(battery.Name, battery.Level)
  }

  e.Msg("Connected - current battery levels")
}

// lowBatteryWatch raises a single warning when the worst channel first dips below the
// threshold, mirroring what a tray notification would do.
type lowBatteryWatch struct {
  mu sync.Mutex
  lastMin int
}

func newLowBatteryWatch() *lowBatteryWatch {
  return &lowBatteryWatch{
    lastMin: 100,
  }
}

func (w *lowBatteryWatch) check(batteries map[uint16]monitor.BatteryStatus) {
  min := 100
  minName := ""

  for _, battery := range batteries {
    if battery.Level == monitor.LevelUnknown {
      continue
    }

    if battery.Level <= min {
      min = battery.Level
      minName = battery.Name
    }
  }

  w.mu.Lock()
  crossed := min < batteryLowThreshold && min < w.lastMin
  w.lastMin = min
  w.mu.Unlock()

  if crossed {
    log.Warn().
      Str("Channel", minName).
      Int("Level", min).
      Msgf("Low battery: level is below %d%%", batteryLowThreshold)
  }
}
