package sma

import (
	"context"
	"net"
	"time"
)

// DefaultTimeout bounds a single request/reply exchange before the
// request/reply engine gives up and retries (spec §4.3).
const DefaultTimeout = 3 * time.Second

// Link is the minimal framed-datagram interface both transports
// implement: write one complete frame, read the next one (or time
// out), and close the underlying socket. The request/reply engine and
// session layer only ever talk to a Link, never to net.Conn or a raw
// file descriptor directly (spec §4.2 "Transport").
type Link interface {
	// Send writes one already-framed request.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks for the next inbound frame, respecting ctx's
	// deadline, and returns it still in wire form for the caller to
	// hand to ParseBTFrame/ParseSpeedwireFrame.
	Receive(ctx context.Context) ([]byte, error)
	// Transport reports which framing this link speaks.
	Transport() Transport
	Close() error
}

// Endpoint names one physical device reachable over a Link: a 6-byte
// BT address, or a host:port pair for Speedwire unicast.
type Endpoint struct {
	Transport Transport
	BTAddress [6]byte
	Addr      *net.UDPAddr
}

func deadlineFromNow(d time.Duration) time.Time {
	return time.Now().Add(d)
}

func (e Endpoint) String() string {
	if e.Transport == TransportBluetooth {
		return net.HardwareAddr(e.BTAddress[:]).String()
	}
	return e.Addr.String()
}
