package ble

import (
	"context"
	"net"

	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zmk_battery_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zmk_battery_ble_failed_connections_total",
	})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zmk_battery_ble_disconnections_total",
	})
)

// Open a GATT connection to the device at the given address. The caller owns the returned
// client; there is deliberately no pooling here, a monitor session holds at most one live
// connection and always tears it down before dialing again.
func (h *Handle) Connect(ctx context.Context, addr net.HardwareAddr) (Client, error) {
	conn, err := ble.Dial(ctx, addr)

	if err != nil {
		failedConnectionsCounter.Inc()
		return nil, err
	}

	successfulConnectionsCounter.Inc()
	log.Debug().Stringer("Addr", addr).Msg("ble: successfully opened new connection to device")

	// spawn a watchdog counting the eventual disconnect, whether requested or caused by the
	// device going out of range.
	go func() {
		<-conn.Disconnected()

		disconnectsCounter.Inc()
		log.Debug().Stringer("Addr", addr).Msg("ble: connection with device closed")
	}()

	return conn, nil
}
