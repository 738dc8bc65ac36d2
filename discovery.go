package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/zmkutils/go-zmk-battery/ble"
	"github.com/zmkutils/go-zmk-battery/monitor"
	"github.com/zmkutils/go-zmk-battery/utils"
)

func doDeviceDiscovery(cfg config) {
  log.Info().Msg("Starting in device discovery mode - collecting devices for 5 seconds...")

  handle, err := ble.Init(cfg.BluetoothDeviceId, ble.FlagScanTypeActive)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  ctx := ble.WrapContextWithSigHandler(
    context.WithTimeout(
      context.Background(),
      5 * time.Second,
    ),
  )

  devices := make(map[string]monitor.DeviceIdentity)

  monitor.ListDevices(
    ctx,
    handle,
    func(name, addr string) {
      dev, err := monitor.NewDeviceIdentity(name, addr)

      if err != nil {
        log.Warn().
          Err(err).
          Str("Addr", addr).
          Str("Name", name).
          Msg("Skipping device with unparseable address")

        return
      }

      devices[addr] = dev

      log.Info().Stringer("Device", dev).Msg("Found device")
    },
    func() {
      log.Info().Int("Found", len(devices)).Msg("Finished device discovery")
    },
  )

  log.Info().
    Array("Devices", utils.ToZeroLogArray(maps.Values(devices))).
    Msg("Pass one of the above to -device-addr to monitor it")

  handle.Stop()
}
