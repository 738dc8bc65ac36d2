package monitor

import (
  "context"
  "net"
  "strings"
  "sync"
  "time"

  "github.com/rs/zerolog/log"

  "github.com/zmkutils/go-zmk-battery/ble"
)

const DefaultScanTimeout = 10 * time.Second

// GATT is the slice of the BLE client surface the monitor actually drives.
// ble.Client satisfies it.
type GATT interface {
  DiscoverProfile(force bool) (*ble.Profile, error)
  ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
  ReadDescriptor(d *ble.Descriptor) ([]byte, error)
  Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
  CancelConnection() error
  Disconnected() <-chan struct{}
}

// Dialer locates a device by address and opens a GATT connection to it.
type Dialer interface {
  FindDevice(ctx context.Context, addr net.HardwareAddr) (ble.Advertisement, error)
  Connect(ctx context.Context, addr net.HardwareAddr) (GATT, error)
}

type handleDialer struct {
  h *ble.Handle
}

func (d handleDialer) FindDevice(ctx context.Context, addr net.HardwareAddr) (ble.Advertisement, error) {
  return d.h.FindDevice(ctx, addr)
}

func (d handleDialer) Connect(ctx context.Context, addr net.HardwareAddr) (GATT, error) {
  client, err := d.h.Connect(ctx, addr)

  if err != nil {
    return nil, err
  }

  return client, nil
}

// channel is one discovered battery-level characteristic of the live session.
type channel struct {
  valueHandle uint16
  name string
  char *ble.Characteristic
}

// session is the live link to one device plus its discovered channels. A new connect
// attempt always builds a fresh session value, so notification handlers bound to a
// torn-down session compare unequal and drop their events.
type session struct {
  client GATT
  channels []channel
}

// Monitor owns at most one connection session at a time and the battery readings that
// flow through it. All mutation goes through Connect, Disconnect and the notification
// handler; readers only ever get copies.
type Monitor struct {
  // ScanTimeout bounds the device lookup scan of a connect attempt.
  ScanTimeout time.Duration

  dialer Dialer
  onChange func()

  mu sync.Mutex
  sess *session
  batteries map[uint16]BatteryStatus
}

// New builds a monitor on top of an initialized Bluetooth adapter handle. onChange is
// invoked (without payload) every time a notification updates a battery level; callers
// re-query Batteries().
func New(h *ble.Handle, onChange func()) *Monitor {
  return NewWithDialer(handleDialer{h: h}, onChange)
}

func NewWithDialer(d Dialer, onChange func()) *Monitor {
  return &Monitor{
    ScanTimeout: DefaultScanTimeout,
    dialer: d,
    onChange: onChange,
    batteries: make(map[uint16]BatteryStatus),
  }
}

// Connect tears down any existing session and runs the full handshake against the given
// device: lookup scan, dial, liveness check, battery service lookup, battery level
// characteristic lookup, one notification subscription per characteristic, then an
// initial bulk read. Every failure aborts the attempt, closes whatever was opened and
// names the stage that broke. A failed initial read is the one lenient exception: the
// session stays up and the channels keep LevelUnknown until the next notification.
func (m *Monitor) Connect(ctx context.Context, dev DeviceIdentity) ConnectResult {
  // always start from a clean slate, even when a previous fire-and-forget disconnect
  // hasn't finished closing the old transport yet.
  m.Disconnect()

  log.Info().Stringer("Device", dev).Msg("monitor: connecting")

  findCtx, cancel := context.WithTimeout(ctx, m.ScanTimeout)
  defer cancel()

  if _, err := m.dialer.FindDevice(findCtx, dev.Addr); err != nil {
    log.Warn().Err(err).Stringer("Device", dev).Msg("monitor: device lookup failed")

    return ConnectResult{Status: StatusDeviceNotFound, Message: err.Error()}
  }

  client, err := m.dialer.Connect(ctx, dev.Addr)

  if err != nil {
    log.Warn().Err(err).Stringer("Device", dev).Msg("monitor: dial failed")

    return ConnectResult{Status: StatusDeviceNotFound, Message: err.Error()}
  }

  // the dial may have raced the device going away; treat a dead link like a failed lookup.
  select {
  case <-client.Disconnected():
    return ConnectResult{
      Status: StatusDeviceNotFound,
      Message: "link dropped right after dialing",
    }
  default:
  }

  profile, err := client.DiscoverProfile(true)

  if err != nil {
    m.teardown(client)

    // fallback bucket for faults the staged classification can't anticipate. the
    // transport's message travels through unchanged.
    log.Error().Err(err).Stringer("Device", dev).Msg("monitor: profile discovery failed")

    return ConnectResult{Status: StatusDeviceNotFound, Message: err.Error()}
  }

  svc := findBatteryService(profile)

  if svc == nil {
    m.teardown(client)

    return ConnectResult{Status: StatusServiceNotFound}
  }

  channels := findBatteryChannels(client, svc)

  if len(channels) == 0 {
    m.teardown(client)

    return ConnectResult{Status: StatusCharacteristicNotFound}
  }

  sess := &session{
    client: client,
    channels: channels,
  }

  batteries := make(map[uint16]BatteryStatus, len(channels))

  for _, ch := range channels {
    ch := ch

    err := client.Subscribe(ch.char, false, func(data []byte) {
      m.handleNotification(sess, ch.valueHandle, data)
    })

    if err != nil {
      m.teardown(client)

      log.Error().
        Err(err).
        Str("Channel", ch.name).
        Msg("monitor: failed to subscribe to battery notifications")

      return ConnectResult{Status: StatusSubscriptionFailure, Message: err.Error()}
    }

    batteries[ch.valueHandle] = BatteryStatus{Name: ch.name, Level: LevelUnknown}
  }

  m.mu.Lock()
  m.sess = sess
  m.batteries = batteries
  m.mu.Unlock()

  // populate real levels before reporting success. a transient failure here does not
  // abort an otherwise healthy subscription; the channels simply stay at LevelUnknown.
  if res := m.ReadBatteryLevels(); res.Status == ReadSuccess {
    m.mu.Lock()

    if m.sess == sess {
      m.batteries = res.Batteries
    }

    m.mu.Unlock()
  } else {
    log.Warn().
      Stringer("Result", res).
      Msg("monitor: initial battery read failed, waiting for notifications instead")
  }

  log.Info().
    Stringer("Device", dev).
    Int("Channels", len(channels)).
    Msg("monitor: connected")

  return ConnectResult{Status: StatusConnected}
}

// Disconnect clears all battery channels and asks the transport to close in the
// background. It never blocks on radio I/O and is idempotent; the returned control does
// not guarantee the link is already down.
func (m *Monitor) Disconnect() {
  m.mu.Lock()
  sess := m.sess
  m.sess = nil
  m.batteries = make(map[uint16]BatteryStatus)
  m.mu.Unlock()

  if sess == nil {
    return
  }

  go func() {
    if err := sess.client.CancelConnection(); err != nil {
      log.Debug().Err(err).Msg("monitor: disconnect request failed")
    }
  }()
}

// IsConnected reports whether a session exists and its transport still considers the
// link up.
func (m *Monitor) IsConnected() bool {
  m.mu.Lock()
  sess := m.sess
  m.mu.Unlock()

  if sess == nil {
    return false
  }

  select {
  case <-sess.client.Disconnected():
    return false
  default:
    return true
  }
}

// ReadBatteryLevels reads every known battery channel and returns the refreshed map.
// Channels whose read yields no data keep their prior level; any transport error aborts
// the whole read. Session state is never touched here, per-channel updates reach the
// monitor only through notifications (or through Connect committing the initial read).
func (m *Monitor) ReadBatteryLevels() ReadResult {
  m.mu.Lock()
  sess := m.sess
  out := copyBatteries(m.batteries)
  m.mu.Unlock()

  if sess == nil || !m.IsConnected() {
    return ReadResult{Status: ReadNotConnected, Batteries: make(map[uint16]BatteryStatus)}
  }

  for _, ch := range sess.channels {
    data, err := sess.client.ReadCharacteristic(ch.char)

    if err != nil {
      log.Error().
        Err(err).
        Str("Channel", ch.name).
        Msg("monitor: error reading battery level")

      return ReadResult{
        Status: ReadFailure,
        Batteries: make(map[uint16]BatteryStatus),
        Message: err.Error(),
      }
    }

    if len(data) == 0 {
      log.Warn().
        Str("Channel", ch.name).
        Str("UUID", LookupUUID(ch.valueHandle)).
        Msg("monitor: no value read for characteristic")

      continue
    }

    out[ch.valueHandle] = BatteryStatus{Name: ch.name, Level: normalizeLevel(data[0])}
  }

  return ReadResult{Status: ReadSuccess, Batteries: out}
}

// Batteries returns a snapshot of the current battery channels. Mutations in progress
// are never observable through the returned map.
func (m *Monitor) Batteries() map[uint16]BatteryStatus {
  m.mu.Lock()
  defer m.mu.Unlock()

  return copyBatteries(m.batteries)
}

func (m *Monitor) handleNotification(sess *session, valueHandle uint16, data []byte) {
  if len(data) == 0 {
    return
  }

  level := normalizeLevel(data[0])

  m.mu.Lock()

  // notifications racing a disconnect (or a replacement session) are dropped.
  if m.sess != sess {
    m.mu.Unlock()
    return
  }

  b, ok := m.batteries[valueHandle]

  if !ok {
    m.mu.Unlock()
    return
  }

  b.Level = level
  m.batteries[valueHandle] = b

  onChange := m.onChange
  m.mu.Unlock()

  log.Debug().
    Stringer("Battery", b).
    Uint16("ValueHandle", valueHandle).
    Msg("monitor: battery level notification")

  if onChange != nil {
    onChange()
  }
}

// Close the transport after a failed handshake stage. Unlike Disconnect this runs
// synchronously: the caller is already on the background connect path and the next
// attempt must find the adapter free.
func (m *Monitor) teardown(client GATT) {
  if err := client.CancelConnection(); err != nil {
    log.Debug().Err(err).Msg("monitor: teardown of partially-open transport failed")
  }
}

func findBatteryService(p *ble.Profile) *ble.Service {
  for _, svc := range p.Services {
    if svc.UUID.Equal(ble.UUID16(BatteryServiceUUID)) {
      return svc
    }
  }

  return nil
}

func findBatteryChannels(client GATT, svc *ble.Service) (channels []channel) {
  for _, char := range svc.Characteristics {
    if !char.UUID.Equal(ble.UUID16(BatteryLevelCharUUID)) {
      continue
    }

    channels = append(channels, channel{
      valueHandle: char.ValueHandle,
      name: channelName(client, char),
      char: char,
    })
  }

  return channels
}

// A split keyboard exposes one battery level characteristic per half, told apart by
// their user description descriptors ("Left", "Right"). Without a description the
// channel is just "Main".
func channelName(client GATT, char *ble.Characteristic) string {
  for _, d := range char.Descriptors {
    if !d.UUID.Equal(ble.UUID16(userDescriptionUUID)) {
      continue
    }

    value, err := client.ReadDescriptor(d)

    if err != nil {
      log.Debug().
        Err(err).
        Uint16("ValueHandle", char.ValueHandle).
        Msg("monitor: failed to read characteristic description")

      break
    }

    if name := strings.TrimRight(string(value), "\x00"); name != "" {
      return name
    }
  }

  return DefaultChannelName
}

func copyBatteries(in map[uint16]BatteryStatus) map[uint16]BatteryStatus {
  out := make(map[uint16]BatteryStatus, len(in))

  for handle, status := range in {
    out[handle] = status
  }

  return out
}
