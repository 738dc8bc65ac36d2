package metrics

import (
  "fmt"

  "github.com/prometheus/client_golang/prometheus"

  "github.com/zmkutils/go-zmk-battery/monitor"
)

var (
  descBatteryLevel = prometheus.NewDesc(
    "keyboard_battery_level_percent",
    "Battery percentage reported by a keyboard battery channel.",
    // Split keyboards without user-description descriptors report the same display
    // name on every channel, so the attribute handle is part of the identity.
    []string{"channel", "handle"},
    nil,
  )

  descConnected = prometheus.NewDesc(
    "keyboard_connected",
    "Whether a connection session to the keyboard is currently up.",
    []string{"device"},
    nil,
  )
)

// CollectFunc snapshots the monitor: current battery channels plus connection state.
type CollectFunc func() (batteries map[uint16]monitor.BatteryStatus, connected bool)

type collector struct {
  CollectFunc

  deviceName string
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  batteries, connected := c.CollectFunc()

  up := 0.0

  if connected {
    up = 1.0
  }

  ch <- prometheus.MustNewConstMetric(
    descConnected,
    prometheus.GaugeValue,
    up,
    c.deviceName,
  )

  for handle, battery := range batteries {
    // A channel whose level was never reported has nothing to scrape yet.
    if battery.Level < 0 {
      continue
    }

    ch <- prometheus.MustNewConstMetric(
      descBatteryLevel,
      prometheus.GaugeValue,
      float64(battery.Level),
      battery.Name,
      fmt.Sprintf("0x%04x", handle),
    )
  }
}

func RegisterCollector(f CollectFunc, deviceName string, reg prometheus.Registerer) {
  c := &collector{
    CollectFunc: f,
    deviceName: deviceName,
  }

  reg.MustRegister(c)
}
