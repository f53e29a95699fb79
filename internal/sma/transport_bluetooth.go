package sma

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// btReadBufSize is sized for the largest BT frame the protocol can
// produce: CommBufSize after worst-case byte stuffing doubles it.
const btReadBufSize = CommBufSize * 2

// BluetoothLink speaks SMAdata2 over an RFCOMM socket. The standard
// library has no notion of AF_BLUETOOTH, so the socket is opened and
// driven directly through golang.org/x/sys/unix.
type BluetoothLink struct {
	fd   int
	peer [6]byte
}

// DialBluetooth opens an RFCOMM connection to the given BT address on
// the fixed SMAdata2 channel (channel 1, per the original source).
func DialBluetooth(addr [6]byte) (*BluetoothLink, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("sma: bt socket: %w", err)
	}
	sa := &unix.SockaddrRFCOMM{Channel: 1, Addr: reverseBTAddr(addr)}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("sma: bt connect %v: %w", addr, err)
	}
	return &BluetoothLink{fd: fd, peer: addr}, nil
}

// reverseBTAddr converts a human-order BT address (as printed by
// HardwareAddr.String) into the little-endian wire order Linux's
// bluetooth stack expects in bdaddr_t.
func reverseBTAddr(addr [6]byte) [6]byte {
	var out [6]byte
	for i := range addr {
		out[i] = addr[5-i]
	}
	return out
}

func (l *BluetoothLink) Transport() Transport { return TransportBluetooth }

func (l *BluetoothLink) Send(ctx context.Context, frame []byte) error {
	if err := l.applyDeadline(ctx); err != nil {
		return err
	}
	_, err := unix.Write(l.fd, frame)
	if err != nil {
		return fmt.Errorf("sma: bt write: %w", err)
	}
	return nil
}

// Receive reads one delimited BT frame: bytes up to and including the
// first 0x7E seen after the leading one, mirroring bthRead's
// select-then-read loop in the original source but expressed as a
// plain blocking read bounded by SO_RCVTIMEO.
func (l *BluetoothLink) Receive(ctx context.Context) ([]byte, error) {
	if err := l.applyDeadline(ctx); err != nil {
		return nil, err
	}
	read := make([]byte, 256)
	var acc []byte
	for {
		n, err := unix.Read(l.fd, read)
		if err != nil {
			return nil, fmt.Errorf("sma: bt read: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("sma: bt read: %w", ErrShortFrame)
		}
		acc = append(acc, read[:n]...)
		if len(acc) > btReadBufSize {
			return nil, fmt.Errorf("sma: bt read: %w", ErrShortFrame)
		}

		start := -1
		for i, b := range acc {
			if b != btStartEnd {
				continue
			}
			if start == -1 {
				start = i
				continue
			}
			return acc[start : i+1], nil
		}
	}
	return nil, fmt.Errorf("sma: bt read: %w", ErrShortFrame)
}

func (l *BluetoothLink) applyDeadline(ctx context.Context) error {
	timeout := DefaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(l.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("sma: bt set timeout: %w", err)
	}
	if err := unix.SetsockoptTimeval(l.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("sma: bt set timeout: %w", err)
	}
	return nil
}

func (l *BluetoothLink) Close() error {
	return unix.Close(l.fd)
}
