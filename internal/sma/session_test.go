package sma

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSpeedwireLink replays a scripted sequence of inbound frames,
// ignoring whatever is sent, to exercise Session.exchange's
// packet-ID correlation logic without a real socket.
type fakeSpeedwireLink struct {
	inbound [][]byte
	sent    [][]byte
}

func (f *fakeSpeedwireLink) Send(_ context.Context, frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSpeedwireLink) Receive(_ context.Context) ([]byte, error) {
	if len(f.inbound) == 0 {
		return nil, ErrShortFrame
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return next, nil
}

func (f *fakeSpeedwireLink) Transport() Transport { return TransportSpeedwire }
func (f *fakeSpeedwireLink) Close() error         { return nil }

func buildSpeedwireReply(packetID uint16, srcSusy uint16, srcSerial uint32) []byte {
	fb := NewFrameBuilder(TransportSpeedwire)
	fb.BeginSpeedwire(0)
	fb.WriteL2Header(L2Header{
		DstSusyID: AppSusyID,
		DstSerial: 42,
		SrcSusyID: srcSusy,
		SrcSerial: srcSerial,
		PacketID:  packetID | 0x8000,
	})
	fb.WriteCommand(0, 0, 0)
	frame, err := fb.Finish()
	if err != nil {
		panic(err)
	}
	return frame
}

func TestExchangeDiscardsMismatchedPacketID(t *testing.T) {
	link := &fakeSpeedwireLink{
		inbound: [][]byte{
			buildSpeedwireReply(99, AppSusyID, 1234), // wrong packet id, dropped
			buildSpeedwireReply(1, AppSusyID, 1234),  // matches sentPID
		},
	}
	sess := NewSession(link, 42, nil)

	fb := NewFrameBuilder(TransportSpeedwire)
	fb.BeginSpeedwire(0)
	fb.WriteL2Header(sess.l2Header(AppSusyID, 1234, 0))
	fb.WriteCommand(0, 0, 0)
	frame, err := fb.Finish()
	require.NoError(t, err)

	reply, err := sess.exchange(context.Background(), frame, sess.packetID|0x8000)
	require.NoError(t, err)
	require.Equal(t, uint32(1234), reply.SrcSerial)
}

func TestNextPacketIDWrapsAndSetsHighBit(t *testing.T) {
	sess := &Session{packetID: 0x7FFE}
	id := sess.NextPacketID()
	require.Equal(t, uint16(0xFFFF), id)
	id = sess.NextPacketID()
	require.Equal(t, uint16(0x8000), id) // wraps mod 2^15, high bit stays set
}

func TestParseTopologyFindsInverterEntries(t *testing.T) {
	body := make([]byte, 18+16)
	// Entry 1: type 0x0101 (inverter)
	body[18+6] = 0x01
	body[18+7] = 0x01
	// Entry 2: type 0x0200 (not an inverter)
	body[18+8+6] = 0x00
	body[18+8+7] = 0x02

	entries := ParseTopology(body)
	require.Len(t, entries, 1)
	require.Equal(t, uint16(0x0101), entries[0].Type)
}
