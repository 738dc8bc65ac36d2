package monitor

import (
  "context"
  "strings"

  "github.com/rs/zerolog/log"

  "github.com/zmkutils/go-zmk-battery/ble"
  "github.com/zmkutils/go-zmk-battery/utils"
)

// Scanner runs one scan and streams every advertisement to the callback.
// *ble.Handle satisfies it.
type Scanner interface {
  ScanAll(ctx context.Context, onDevice func(ble.Advertisement)) error
}

// ListDevices performs a one-shot scan bounded by the context and reports every
// discoverable device carrying a name, once per address, in discovery order. Unnamed
// devices are filtered out since a human cannot pick them from a list. onComplete fires
// exactly once no matter how the scan ends; scan errors are logged only, enumeration is
// best-effort UI population.
func ListDevices(
  ctx context.Context,
  scanner Scanner,
  onDevice func(name, addr string),
  onComplete func(),
) {
  defer onComplete()

  seen := make(map[string]bool)

  err := scanner.ScanAll(ctx, func(a ble.Advertisement) {
    name := a.LocalName()

    if name == "" {
      return
    }

    addr := strings.ToLower(a.Addr().String())

    if seen[addr] {
      return
    }

    seen[addr] = true

    log.Debug().
      Str("Addr", addr).
      Str("Name", name).
      Bool("Connectable", a.Connectable()).
      Msg("monitor: discovered named device")

    onDevice(name, addr)
  })

  // the context running out is how a one-shot scan normally ends.
  if err != nil && !utils.ErrorIsAnyOf(err, context.Canceled, context.DeadlineExceeded) {
    log.Error().Err(err).Msg("monitor: error discovering devices")
  }
}
