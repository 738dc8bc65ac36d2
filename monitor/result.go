package monitor

import (
  "fmt"
  "strconv"
)

// ConnectStatus pinpoints the handshake stage at which a connect attempt stopped.
type ConnectStatus uint8

const (
  StatusConnected ConnectStatus = iota
  StatusDeviceNotFound
  StatusServiceNotFound
  StatusCharacteristicNotFound
  StatusSubscriptionFailure
)

func (s ConnectStatus) String() string {
  switch s {
  case StatusConnected:
    return "Connected"
  case StatusDeviceNotFound:
    return "Device Not Found"
  case StatusServiceNotFound:
    return "Battery Service Not Found"
  case StatusCharacteristicNotFound:
    return "Battery Level Characteristic Not Found"
  case StatusSubscriptionFailure:
    return "Subscription Failure"
  default:
    panic("unknown ConnectStatus value: " + strconv.Itoa(int(s)))
  }
}

type ConnectResult struct {
  Status ConnectStatus
  // Message carries the transport's own diagnostic for failed stages, empty otherwise.
  Message string
}

func (r ConnectResult) String() string {
  if r.Message != "" {
    return fmt.Sprintf("connect:%v(%v)", r.Status, r.Message)
  }

  return fmt.Sprintf("connect:%v", r.Status)
}

type ReadStatus uint8

const (
  ReadSuccess ReadStatus = iota
  ReadNotConnected
  ReadFailure
)

func (s ReadStatus) String() string {
  switch s {
  case ReadSuccess:
    return "Success"
  case ReadNotConnected:
    return "Not Connected"
  case ReadFailure:
    return "Failure"
  default:
    panic("unknown ReadStatus value: " + strconv.Itoa(int(s)))
  }
}

// ReadResult is the outcome of one bulk read over every known battery channel, keyed by
// the characteristic value handle. The monitor never applies Batteries to its own state;
// committing (or discarding) the refreshed map is the caller's move.
type ReadResult struct {
  Status ReadStatus
  Batteries map[uint16]BatteryStatus
  Message string
}

func (r ReadResult) String() string {
  if r.Status != ReadSuccess {
    return fmt.Sprintf("read:%v(%v)", r.Status, r.Message)
  }

  return fmt.Sprintf("read:%v(%d channels)", r.Status, len(r.Batteries))
}
