package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zmkutils/go-zmk-battery/ble"
	"github.com/zmkutils/go-zmk-battery/reconnect"
)

type config struct {
  Debug, Trace bool
  BindAddress string
  DiscoverDevices bool
  BluetoothDeviceId int
  BluetoothConnParams ble.ConnParams
  DeviceName, DeviceAddr string
  ReconnectInterval int
  ScanTimeout time.Duration
}

// fileConfig is the optional YAML companion of the flags, for installs that remember
// their keyboard across restarts. Flags win over the file, environment wins over both.
type fileConfig struct {
  Device struct {
    Name string `yaml:"name"`
    Addr string `yaml:"addr"`
  } `yaml:"device"`

  Bind string `yaml:"bind"`
  BluetoothDeviceId *int `yaml:"bluetooth_device_id"`
  ReconnectIntervalSeconds int `yaml:"reconnect_interval_seconds"`
  ScanTimeout time.Duration `yaml:"scan_timeout"`
}

func loadFileConfig(path string) (fileConfig, error) {
  var fc fileConfig

  data, err := os.ReadFile(path)

  if err != nil {
    return fc, fmt.Errorf("failed to read config file: %w", err)
  }

  if err := yaml.Unmarshal(data, &fc); err != nil {
    return fc, fmt.Errorf("failed to parse config file: %w", err)
  }

  return fc, nil
}

func ParseArgs() config {
  var cfg config
  var configFile string

  cfg.BluetoothConnParams = ble.ConnParamsPowerSaving

  flag.StringVar(&configFile, "config", "", "Optional YAML config file")
  flag.StringVar(&cfg.DeviceName, "device-name", "", "Name of the keyboard to monitor")
  flag.StringVar(&cfg.DeviceAddr, "device-addr", "", "MAC address of the keyboard to monitor")
  flag.StringVar(&cfg.BindAddress, "bind", "localhost:9103", "Where the metrics endpoint will bind to")
  flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  flag.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params",
    "Bluetooth connection parameters (one of 'default' or 'power-saving')")
  flag.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
  flag.IntVar(&cfg.ReconnectInterval, "reconnect-interval", reconnect.DefaultInterval,
    "Seconds between reconnect attempts while not connected")
  flag.DurationVar(&cfg.ScanTimeout, "scan-timeout", 10 * time.Second,
    "How long a connect attempt scans for the device before giving up")
  flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  flag.Parse()

  setFlags := make(map[string]bool)

  flag.Visit(func(f *flag.Flag) {
    setFlags[f.Name] = true
  })

  if configFile != "" {
    fc, err := loadFileConfig(configFile)

    if err != nil {
      fmt.Fprintf(os.Stderr, "Error: %v\n", err)
      os.Exit(1)
    }

    if !setFlags["device-name"] && fc.Device.Name != "" {
      cfg.DeviceName = fc.Device.Name
    }

    if !setFlags["device-addr"] && fc.Device.Addr != "" {
      cfg.DeviceAddr = fc.Device.Addr
    }

    if !setFlags["bind"] && fc.Bind != "" {
      cfg.BindAddress = fc.Bind
    }

    if !setFlags["bluetooth-device"] && fc.BluetoothDeviceId != nil {
      cfg.BluetoothDeviceId = *fc.BluetoothDeviceId
    }

    if !setFlags["reconnect-interval"] && fc.ReconnectIntervalSeconds > 0 {
      cfg.ReconnectInterval = fc.ReconnectIntervalSeconds
    }

    if !setFlags["scan-timeout"] && fc.ScanTimeout > 0 {
      cfg.ScanTimeout = fc.ScanTimeout
    }
  }

  applyEnvironmentOverrides(&cfg)

  if !cfg.DiscoverDevices && cfg.DeviceAddr == "" {
    fmt.Fprintln(os.Stderr, "Error: a device address is required (or run with -discover)!")
    flag.Usage()
    os.Exit(1)
  }

  if cfg.ReconnectInterval <= 0 {
    fmt.Fprintln(os.Stderr, "Error: the reconnect interval must be positive!")
    os.Exit(1)
  }

  return cfg
}

func applyEnvironmentOverrides(cfg *config) {
  if name := os.Getenv("ZMK_DEVICE_NAME"); name != "" {
    cfg.DeviceName = name
  }

  if addr := os.Getenv("ZMK_DEVICE_ADDR"); addr != "" {
    cfg.DeviceAddr = addr
  }

  if bind := os.Getenv("ZMK_BIND"); bind != "" {
    cfg.BindAddress = bind
  }

  if interval := os.Getenv("ZMK_RECONNECT_INTERVAL"); interval != "" {
    if n, err := strconv.Atoi(interval); err == nil {
      cfg.ReconnectInterval = n
    }
  }
}
