package sma

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBTFrameRoundTrip(t *testing.T) {
	src := [6]byte{0x00, 0x80, 0x25, 0x01, 0x02, 0x03}
	dst := [6]byte{0x00, 0x80, 0x25, 0x04, 0x05, 0x06}

	frame, pid, err := BuildRetryingBT(1, func(packetID uint16) (*FrameBuilder, error) {
		fb := NewFrameBuilder(TransportBluetooth)
		fb.BeginBT(src, dst, 0)
		fb.WriteU8(0x7E)
		fb.WriteU32(0x656003FF)
		fb.WriteU8(9)
		fb.WriteU8(0x00)
		fb.WriteL2Header(L2Header{
			DstSusyID: 0xFFFF,
			DstSerial: 0xFFFFFFFF,
			Ctrl2:     0,
			SrcSusyID: AppSusyID,
			SrcSerial: 1234567,
			PacketID:  packetID,
		})
		fb.WriteU32(0)
		fb.WriteU32(0)
		fb.WriteU32(0)
		return fb, nil
	})
	require.NoError(t, err)
	require.NotZero(t, pid)

	require.Equal(t, byte(0x7E), frame[0])
	require.Equal(t, byte(0x7E), frame[len(frame)-1])
	require.True(t, FCSBytesSafe(frame))

	reply, err := ParseBTFrame(frame)
	require.NoError(t, err)
	require.Equal(t, AppSusyID, reply.SrcSusyID)
	require.Equal(t, uint32(1234567), reply.SrcSerial)
	require.Equal(t, pid&0x7FFF, reply.PacketID)
}

func TestBTFrameRejectsBadMagic(t *testing.T) {
	_, err := ParseBTFrame([]byte{0x01, 0x02, 0x03})
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestBTFrameRejectsShortFrame(t *testing.T) {
	_, err := ParseBTFrame([]byte{0x7E, 0x00, 0x00, 0x7E ^ 0x00 ^ 0x00})
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestSpeedwireFrameRoundTrip(t *testing.T) {
	fb := NewFrameBuilder(TransportSpeedwire)
	fb.BeginSpeedwire(0)
	fb.WriteL2Header(L2Header{
		DstSusyID: 0xFFFF,
		DstSerial: 0xFFFFFFFF,
		Ctrl2:     0,
		SrcSusyID: AppSusyID,
		SrcSerial: 1234567,
		PacketID:  0x8001,
	})
	fb.WriteCommand(0x00000200, 0, 0)

	frame, err := fb.Finish()
	require.NoError(t, err)
	require.Equal(t, "SMA\x00", string(frame[0:4]))

	reply, err := ParseSpeedwireFrame(frame)
	require.NoError(t, err)
	require.Equal(t, AppSusyID, reply.SrcSusyID)
	require.Equal(t, uint32(1234567), reply.SrcSerial)
	require.Equal(t, uint16(1), reply.PacketID)
}

func TestSpeedwireFrameRejectsBadMagic(t *testing.T) {
	_, err := ParseSpeedwireFrame([]byte("NOTSMA0000000000000000"))
	require.ErrorIs(t, err, ErrBadMagic)
}

// TestParseL2BodyGroundTruthOffsets builds an L2 body by hand against
// the field layout documented in parseL2Body's own comment, rather
// than through FrameBuilder, so the test can't pass merely because
// the encoder and decoder share the same bug. Verified against
// aamcrae-MeterMan/sma.go's retCode field position and SBFspot.cpp's
// packet_count handling.
func TestParseL2BodyGroundTruthOffsets(t *testing.T) {
	l2 := make([]byte, 34)
	binary.LittleEndian.PutUint16(l2[8:], AppSusyID)      // src_susy_id
	binary.LittleEndian.PutUint32(l2[10:], 1234567)       // src_serial
	binary.LittleEndian.PutUint16(l2[16:], 0x1234)        // error_code
	l2[18] = 5                                            // packet_count
	binary.LittleEndian.PutUint16(l2[20:], 0x8001)        // packet_id, high bit set

	reply, err := parseL2Body(TransportSpeedwire, l2)
	require.NoError(t, err)
	require.Equal(t, AppSusyID, reply.SrcSusyID)
	require.Equal(t, uint32(1234567), reply.SrcSerial)
	require.Equal(t, uint16(0x0001), reply.PacketID)
	require.Equal(t, uint16(0x1234), reply.ErrorCode)
	require.Equal(t, uint16(5), reply.PacketCnt)
}

// TestParseSpeedwireFrameDecodesLongwords confirms the longwords byte
// that precedes the L2 body on the wire (spec §4.1, used by
// RecordSpan) is captured rather than silently discarded.
func TestParseSpeedwireFrameDecodesLongwords(t *testing.T) {
	fb := NewFrameBuilder(TransportSpeedwire)
	fb.BeginSpeedwire(0)
	fb.WriteL2Header(L2Header{
		DstSusyID: 0xFFFF,
		DstSerial: 0xFFFFFFFF,
		SrcSusyID: AppSusyID,
		SrcSerial: 1234567,
		PacketID:  0x8001,
	})
	fb.WriteCommand(0x51000200, 0, 0)
	frame, err := fb.Finish()
	require.NoError(t, err)

	reply, err := ParseSpeedwireFrame(frame)
	require.NoError(t, err)
	require.NotZero(t, reply.Longwords)
}

func TestFCSTableIsStandardPPP(t *testing.T) {
	require.Equal(t, uint16(0x0000), fcsTable[0])
	require.Equal(t, uint16(0x1189), fcsTable[1])
	require.Equal(t, uint16(0x0f78), fcsTable[255])
}
