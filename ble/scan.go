package ble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	errs "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Returned by FindDevice when no advertisement from the requested address arrives before
// the context expires.
var ErrDeviceNotFound = errs.New("device not found")

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
  return ble.WithSigHandler(ctx, cancel)
}

// Perform an active or passive scan and return every advertisement found.
func (h *Handle) ScanAll(ctx context.Context, onDevice func(Advertisement)) error {
  err := h.dev.Scan(ctx, true, onDevice)

  if err != nil {
    return fmt.Errorf("failed to initiate scan: %w", err)
  }

  return nil
}

// Scan until an advertisement from the given address is seen and return it. The scan is
// bounded by the context; a deadline or cancellation without a sighting yields
// ErrDeviceNotFound.
func (h *Handle) FindDevice(
  parentCtx context.Context,
  addr net.HardwareAddr,
) (Advertisement, error) {
  target := strings.ToLower(addr.String())

  ctx, cancel := context.WithCancel(parentCtx)
  defer cancel()

  var mu sync.Mutex
  var found Advertisement

  err := h.dev.Scan(ctx, false, func(a Advertisement) {
    if strings.ToLower(a.Addr().String()) != target {
      return
    }

    mu.Lock()
    defer mu.Unlock()

    if found == nil {
      log.Trace().
        Str("Addr", a.Addr().String()).
        Str("Name", a.LocalName()).
        Int("RSSI", a.RSSI()).
        Msg("ble: found requested device")

      found = a
      cancel()
    }
  })

  mu.Lock()
  defer mu.Unlock()

  if found != nil {
    return found, nil
  }

  if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
    return nil, errs.Wrapf(ErrDeviceNotFound, "no advertisement from %v", addr)
  }

  if err != nil {
    return nil, fmt.Errorf("failed to scan for device %v: %w", addr, err)
  }

  return nil, errs.Wrapf(ErrDeviceNotFound, "scan ended without seeing %v", addr)
}
