package sma

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFragmentReply builds a reply frame and pokes its packet_count
// byte directly at the ground-truth wire offset (L2 offset 18, i.e.
// raw offset 14+6+18 for Speedwire — see parseL2Body), rather than
// relying on any FrameBuilder overlay trick.
func buildFragmentReply(packetID uint16, srcSerial uint32, packetCnt byte) []byte {
	fb := NewFrameBuilder(TransportSpeedwire)
	fb.BeginSpeedwire(0)
	fb.WriteL2Header(L2Header{
		DstSusyID: AppSusyID,
		DstSerial: 42,
		SrcSusyID: AppSusyID,
		SrcSerial: srcSerial,
		PacketID:  packetID | 0x8000,
	})
	fb.WriteCommand(0, 0, 0)
	frame, err := fb.Finish()
	if err != nil {
		panic(err)
	}
	frame[14+6+18] = packetCnt
	return frame
}

func TestRunFragmentedQueryLoopsUntilPacketCountZero(t *testing.T) {
	inv := NewInverter()
	inv.Serial = 4242

	link := &fakeSpeedwireLink{
		inbound: [][]byte{
			buildFragmentReply(1, inv.Serial, 1), // more fragments follow
			buildFragmentReply(1, inv.Serial, 0), // last fragment
		},
	}
	sess := NewSession(link, 0, nil)

	var seen int
	err := sess.runFragmentedQuery(context.Background(), inv, 0x51000200, 0x00263F00, 0x00263FFF, func(reply *ReplyFrame) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, seen)
	require.Len(t, link.sent, 1) // exactly one request, two fragment replies consumed
}

// TestQueryLiveDecodesRecordAtGroundTruthOffset builds a reply whose
// single 40-byte live record is placed at L2 offset 34 (dst_susy_id(2)
// + dst_serial(4) + ctrl2(2) + src_susy_id(2) + src_serial(4) +
// ctrl2_echo(2) + error_code(2) + packet_count(2) + packet_id(2) +
// command(4) + param_first(4) + param_last(4) = 34) and checks the
// decoded value lands on the inverter, proving the offset used by
// QueryLive/ParseLiveRecords matches the real wire layout instead of
// an offset that happens to agree with how the test builds its own
// fixture.
func TestQueryLiveDecodesRecordAtGroundTruthOffset(t *testing.T) {
	inv := NewInverter()
	inv.Serial = 77

	fb := NewFrameBuilder(TransportSpeedwire)
	fb.BeginSpeedwire(0)
	fb.WriteL2Header(L2Header{
		DstSusyID: AppSusyID,
		DstSerial: 42,
		SrcSusyID: AppSusyID,
		SrcSerial: inv.Serial,
		PacketID:  0x8001,
	})
	fb.WriteCommand(0x51000200, 0x00263F00, 0x00263FFF)
	// record: code = ULONG(0x00) << 24 | LRI(0x00263F00) at offset 0,
	// datetime at offset 4, the Int32 value at offset 16 (Record.Int32's
	// own fixed offset), padded out to the fixed 40-byte live record
	// size.
	fb.WriteU32(uint32(DataTypeULONG)<<24 | 0x00263F00)
	fb.WriteU32(0)
	fb.WriteU32(0)
	fb.WriteU32(0)
	fb.WriteU32(12345) // total AC power, watts
	fb.WriteU32(0)
	fb.WriteU32(0)
	fb.WriteU32(0)
	fb.WriteU32(0)
	fb.WriteU32(0)
	frame, err := fb.Finish()
	require.NoError(t, err)

	link := &fakeSpeedwireLink{inbound: [][]byte{frame}}
	sess := NewSession(link, 0, nil)

	require.NoError(t, sess.QueryLive(context.Background(), inv, QuerySpotACTotalPower))
	require.Equal(t, 12345.0, inv.TotalPac)
}

func TestQueryLiveRejectsUnknownQuery(t *testing.T) {
	inv := NewInverter()
	link := &fakeSpeedwireLink{}
	sess := NewSession(link, 0, nil)

	err := sess.QueryLive(context.Background(), inv, QueryName("NotARealQuery"))
	require.Error(t, err)
}
