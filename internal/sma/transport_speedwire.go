package sma

import (
	"context"
	"fmt"
	"net"
)

// SpeedwireMulticastAddr is the well-known multicast group SMA
// inverters join for Speedwire discovery (spec §4.2).
const SpeedwireMulticastAddr = "239.12.255.254:9522"

// SpeedwireLink speaks SMAdata2 over a UDP socket, either joined to
// the Speedwire multicast group for discovery or connected to one
// inverter's unicast address for queries.
type SpeedwireLink struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

// DialSpeedwire opens a unicast UDP socket bound for exchanges with
// one inverter.
func DialSpeedwire(dst *net.UDPAddr) (*SpeedwireLink, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("sma: speedwire dial: %w", err)
	}
	return &SpeedwireLink{conn: conn, dst: dst}, nil
}

// ListenSpeedwireMulticast joins the Speedwire multicast group on the
// given local interface for discovery broadcasts (spec §4.2.2).
func ListenSpeedwireMulticast(iface *net.Interface) (*SpeedwireLink, error) {
	grp, err := net.ResolveUDPAddr("udp4", SpeedwireMulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("sma: resolve multicast group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", iface, grp)
	if err != nil {
		return nil, fmt.Errorf("sma: join multicast group: %w", err)
	}
	return &SpeedwireLink{conn: conn, dst: grp}, nil
}

func (l *SpeedwireLink) Transport() Transport { return TransportSpeedwire }

func (l *SpeedwireLink) Send(ctx context.Context, frame []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	}
	_, err := l.conn.WriteToUDP(frame, l.dst)
	if err != nil {
		return fmt.Errorf("sma: speedwire write: %w", err)
	}
	return nil
}

func (l *SpeedwireLink) Receive(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(dl)
	} else {
		_ = l.conn.SetReadDeadline(deadlineFromNow(DefaultTimeout))
	}
	buf := make([]byte, CommBufSize)
	n, peer, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("sma: speedwire read: %w", err)
	}
	if l.dst.Port != 0 && l.dst.IP.IsMulticast() {
		l.dst = peer // first responder on discovery becomes the session peer
	}
	return buf[:n], nil
}

func (l *SpeedwireLink) Close() error {
	return l.conn.Close()
}
