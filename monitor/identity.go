package monitor

import (
  "fmt"
  "net"
  "strings"
)

// DeviceIdentity names the peripheral a monitor should bind to. Immutable once built;
// obtained from a scan or from remembered configuration.
type DeviceIdentity struct {
  Name string
  Addr net.HardwareAddr
}

func NewDeviceIdentity(name, addr string) (DeviceIdentity, error) {
  hwAddr, err := net.ParseMAC(addr)
  if err != nil {
    return DeviceIdentity{}, fmt.Errorf("invalid addr: %w", err)
  }

  if name == "" {
    name = "zmk-" + strings.ToLower(strings.ReplaceAll(addr, ":", ""))
  }

  return DeviceIdentity{
    Name: name,
    Addr: hwAddr,
  }, nil
}

func (d DeviceIdentity) String() string {
  return fmt.Sprintf("device[name=%q, addr=%v]", d.Name, d.Addr.String())
}
