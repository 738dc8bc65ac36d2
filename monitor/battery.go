package monitor

import (
  "fmt"
)

const (
  // Bluetooth SIG assigned numbers: Battery Service and Battery Level characteristic.
  BatteryServiceUUID = 0x180f
  BatteryLevelCharUUID = 0x2a19

  // Characteristic User Description descriptor; ZMK exposes one per keyboard half.
  userDescriptionUUID = 0x2901

  // Name assigned to a battery channel whose characteristic carries no description.
  DefaultChannelName = "Main"

  // Level of a channel that has not reported yet (or reported the reserved 0xff byte).
  LevelUnknown = -1
)

// BatteryStatus is one battery-reporting characteristic of the connected device and its
// latest known reading. Level is either LevelUnknown or within [0, 100].
type BatteryStatus struct {
  Name string
  Level int
}

func (b BatteryStatus) String() string {
  if b.Level == LevelUnknown {
    return fmt.Sprintf("%v=?%%", b.Name)
  }

  return fmt.Sprintf("%v=%d%%", b.Name, b.Level)
}

// The percent is the first byte of the raw value; 0xff is the GATT "unknown" marker.
// Anything else passes through unchanged.
func normalizeLevel(b byte) int {
  if b == 0xff {
    return LevelUnknown
  }

  return int(b)
}

// LookupUUID derives the full 128-bit lookup UUID for a characteristic value handle,
// for transports that address reads and subscriptions by UUID rather than by handle.
func LookupUUID(handle uint16) string {
  return fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", handle)
}
