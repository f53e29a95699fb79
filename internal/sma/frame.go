package sma

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Transport identifies which of the two wire framings a FrameBuilder
// or parsed reply belongs to (spec §4.1).
type Transport int

const (
	TransportBluetooth Transport = iota
	TransportSpeedwire
)

// Application-wide identifiers (spec §6).
const (
	AppSusyID  uint16 = 125
	AnySusyID  uint16 = 0xFFFF
	AnySerial  uint32 = 0xFFFFFFFF
	CommBufSize       = 2048
)

// Wire magics (spec §6).
const (
	btStartEnd        byte   = 0x7E
	speedwireL2Magic  uint32 = 0x65601000
	speedwireHdrWord1 uint32 = 0xA0020400
	speedwireHdrWord2 uint32 = 0x01000000
)

var stuffBytes = [...]byte{0x7D, 0x7E, 0x11, 0x12, 0x13}

func needsStuffing(b byte) bool {
	for _, s := range stuffBytes {
		if b == s {
			return true
		}
	}
	return false
}

// L2Header is the common "SMAdata2 request" prefix shared by every
// query, logon, logoff and time-sync request on both transports
// (spec §4.1 "Shared L2 body layout").
type L2Header struct {
	DstSusyID uint16
	DstSerial uint32
	Ctrl2     uint16
	SrcSusyID uint16
	SrcSerial uint32
	PacketID  uint16 // caller sets the high bit; see NextPacketID
}

// FrameBuilder assembles one outbound BT or Speedwire frame. It is the
// Go analogue of the C implementation's single reusable pcktBuf with a
// running packet_position cursor and FCS accumulator (spec §3 "Frame
// Buffer"); callers get a fresh builder per request instead of sharing
// global mutable state (spec §9 "Global mutable process state").
type FrameBuilder struct {
	kind Transport
	buf  bytes.Buffer
	fcs  uint16

	lengthPlaceholder int // Speedwire: offset of the 2-byte BE length field
	longwordsOffset   int // Speedwire: offset of the longwords byte
	l2Start           int // Speedwire: offset where the L2 body starts (after longwords+ctrl)
}

// NewFrameBuilder starts a new frame for the given transport.
func NewFrameBuilder(kind Transport) *FrameBuilder {
	f := &FrameBuilder{kind: kind}
	f.reset()
	return f
}

func (f *FrameBuilder) reset() {
	f.buf.Reset()
	f.fcs = fcsInitial
}

// BeginBT starts a BT frame: start delimiter, placeholder L1 header,
// source/destination MAC and the 16-bit control word. longwords/ctrl
// for the L2 body are written by the caller via WriteU8 afterwards.
func (f *FrameBuilder) BeginBT(srcMAC, dstMAC [6]byte, ctrl uint16) {
	f.reset()
	f.buf.WriteByte(btStartEnd)
	f.buf.Write([]byte{0, 0, 0}) // len_lo, len_hi, xor_cksum placeholders
	for _, b := range srcMAC {
		f.writeStuffedByte(b)
	}
	for _, b := range dstMAC {
		f.writeStuffedByte(b)
	}
	f.WriteU16(ctrl)
}

// BeginSpeedwire starts a Speedwire frame: the "SMA\0" L1 magic, the
// two fixed header words, a placeholder for the big-endian packet
// length, the L2 magic, and placeholders for longwords/ctrl.
func (f *FrameBuilder) BeginSpeedwire(ctrl byte) {
	f.reset()
	f.buf.WriteString("SMA\x00")
	f.writeRawU32LE(speedwireHdrWord1)
	f.writeRawU32LE(speedwireHdrWord2)
	f.lengthPlaceholder = f.buf.Len()
	f.buf.Write([]byte{0, 0})
	f.writeRawU32BE(speedwireL2Magic)
	f.longwordsOffset = f.buf.Len()
	f.buf.WriteByte(0) // longwords placeholder, patched in Finish
	f.buf.WriteByte(ctrl)
	f.l2Start = f.buf.Len()
}

// WriteL2Header writes the shared dst/src/ctrl2/packet-id prefix that
// precedes every request body (spec §4.1).
func (f *FrameBuilder) WriteL2Header(h L2Header) {
	f.WriteU16(h.DstSusyID)
	f.WriteU32(h.DstSerial)
	f.WriteU16(h.Ctrl2)
	f.WriteU16(h.SrcSusyID)
	f.WriteU32(h.SrcSerial)
	f.WriteU16(h.Ctrl2)
	f.WriteU16(0)
	f.WriteU16(0)
	f.WriteU16(h.PacketID)
}

// WriteCommand writes the generic command/param_first/param_last tail
// used by typed live and archive queries (spec §4.1/§4.4).
func (f *FrameBuilder) WriteCommand(cmd, first, last uint32) {
	f.WriteU32(cmd)
	f.WriteU32(first)
	f.WriteU32(last)
}

// WriteU8 appends one byte, folding it into the FCS and stuffing it
// when building a BT frame.
func (f *FrameBuilder) WriteU8(v byte) {
	if f.kind == TransportBluetooth {
		f.writeStuffedByte(v)
	} else {
		f.buf.WriteByte(v)
	}
}

// WriteU16 appends a little-endian uint16.
func (f *FrameBuilder) WriteU16(v uint16) {
	f.WriteU8(byte(v))
	f.WriteU8(byte(v >> 8))
}

// WriteU32 appends a little-endian uint32.
func (f *FrameBuilder) WriteU32(v uint32) {
	f.WriteU16(uint16(v))
	f.WriteU16(uint16(v >> 16))
}

// WriteBytes appends a raw byte slice (e.g. the 12-byte logon password
// buffer), through the same stuffing/FCS path as any other field.
func (f *FrameBuilder) WriteBytes(b []byte) {
	for _, c := range b {
		f.WriteU8(c)
	}
}

func (f *FrameBuilder) writeStuffedByte(b byte) {
	f.fcs = fcsUpdate(f.fcs, b)
	if needsStuffing(b) {
		f.buf.WriteByte(0x7D)
		f.buf.WriteByte(b ^ 0x20)
	} else {
		f.buf.WriteByte(b)
	}
}

func (f *FrameBuilder) writeRawU32LE(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	f.buf.Write(b[:])
}

func (f *FrameBuilder) writeRawU32BE(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	f.buf.Write(b[:])
}

// Finish appends the trailer (FCS+end-delimiter for BT, zero padding
// for Speedwire), patches the length fields, and returns the frame.
// Finish never fails except on a buffer overflow past CommBufSize.
func (f *FrameBuilder) Finish() ([]byte, error) {
	if f.kind == TransportBluetooth {
		fcs := f.fcs ^ 0xFFFF
		f.writeFCSByteUnfolded(byte(fcs))
		f.writeFCSByteUnfolded(byte(fcs >> 8))
		f.buf.WriteByte(btStartEnd)

		out := f.buf.Bytes()
		if len(out) > CommBufSize {
			return nil, fmt.Errorf("sma: frame overflow: %d > %d", len(out), CommBufSize)
		}
		bodyLen := len(out) - 4 // exclude start delimiter + 3 L1 header bytes
		out[1] = byte(bodyLen)
		out[2] = byte(bodyLen >> 8)
		out[3] = btStartEnd ^ out[1] ^ out[2]
		return out, nil
	}

	// Speedwire: 4 zero trailer bytes, then patch longwords and length.
	f.buf.Write([]byte{0, 0, 0, 0})
	out := f.buf.Bytes()
	if len(out) > CommBufSize {
		return nil, fmt.Errorf("sma: frame overflow: %d > %d", len(out), CommBufSize)
	}
	l2BodyLen := len(out) - f.l2Start
	out[f.longwordsOffset] = byte(l2BodyLen / 4)
	totalAfterHeader := len(out) - (f.lengthPlaceholder + 2)
	out[f.lengthPlaceholder] = byte(totalAfterHeader >> 8)
	out[f.lengthPlaceholder+1] = byte(totalAfterHeader)
	return out, nil
}

// writeFCSByteUnfolded writes a byte of the already-computed FCS,
// applying stuffing but not re-folding it into the (now final) FCS.
func (f *FrameBuilder) writeFCSByteUnfolded(b byte) {
	if needsStuffing(b) {
		f.buf.WriteByte(0x7D)
		f.buf.WriteByte(b ^ 0x20)
	} else {
		f.buf.WriteByte(b)
	}
}

// FCSBytesSafe reports whether the two trailing FCS bytes of a
// finished BT frame are clear of the stuffing-trigger values. Unsafe
// frames must be rebuilt with a different packet ID (spec §4.1
// "Checksum validity guard"). A stuffed FCS byte shows up on the wire
// as a 0x7D escape, so a stuffed low byte is caught by the 0x7D four
// bytes from the end.
func FCSBytesSafe(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	lo, hi := frame[len(frame)-3], frame[len(frame)-2]
	return !needsStuffing(lo) && !needsStuffing(hi) && frame[len(frame)-4] != 0x7D
}

// MaxPacketIDRotations bounds BuildRetryingBT's search for a packet ID
// that produces a stuffing-safe FCS; the search space is 2^15 IDs and
// a safe one is found almost immediately in practice.
const MaxPacketIDRotations = 1 << 15

// BuildRetryingBT calls build repeatedly with successive packet IDs
// (starting at startID, high bit forced set) until the resulting BT
// frame has a stuffing-safe FCS, implementing the isCrcValid rotation
// loop from the original source (SPEC_FULL.md supplemented feature 1).
func BuildRetryingBT(startID uint16, build func(packetID uint16) (*FrameBuilder, error)) ([]byte, uint16, error) {
	id := startID | 0x8000
	for i := 0; i < MaxPacketIDRotations; i++ {
		fb, err := build(id)
		if err != nil {
			return nil, 0, err
		}
		frame, err := fb.Finish()
		if err != nil {
			return nil, 0, err
		}
		if FCSBytesSafe(frame) {
			return frame, id, nil
		}
		id = (id + 1) | 0x8000
	}
	return nil, 0, fmt.Errorf("sma: no stuffing-safe packet ID found after %d rotations", MaxPacketIDRotations)
}

// ReplyFrame is the transport-agnostic, destuffed view of one inbound
// frame (spec §4.1 "Public contract").
type ReplyFrame struct {
	Transport Transport
	SrcSusyID uint16
	SrcSerial uint32
	PacketID  uint16 // high bit masked off
	ErrorCode uint16
	PacketCnt uint16
	Longwords byte   // Speedwire L2 longwords count; 0 when not carried (Bluetooth)
	Body      []byte // the full L2 body, command onward included
}

// ParseFrameError distinguishes the documented parse failure modes
// (spec §4.1 "Public contract").
type ParseFrameError string

func (e ParseFrameError) Error() string { return string(e) }

const (
	ErrBadMagic      ParseFrameError = "sma: bad magic"
	ErrShortFrame    ParseFrameError = "sma: short frame"
	ErrChecksum      ParseFrameError = "sma: checksum mismatch"
	ErrStuffing      ParseFrameError = "sma: invalid byte stuffing"
)

// ParseBTFrame destuffs and validates a received BT frame, returning
// the decoded L2 header fields and the unstuffed L2 body.
func ParseBTFrame(raw []byte) (*ReplyFrame, error) {
	if len(raw) < 4 || raw[0] != btStartEnd {
		return nil, ErrBadMagic
	}
	bodyLen := int(raw[1]) | int(raw[2])<<8
	if raw[3] != (btStartEnd ^ raw[1] ^ raw[2]) {
		return nil, ErrShortFrame
	}
	// bodyLen counts every byte after the 4-byte L1 header, the end
	// delimiter included (see Finish).
	if len(raw) < 4+bodyLen {
		return nil, ErrShortFrame
	}

	// Destuff everything between the 4-byte L1 header and the trailing
	// end delimiter, folding the FCS over the unstuffed bytes as we go.
	unstuffed := make([]byte, 0, bodyLen)
	fcs := fcsInitial
	i := 4
	end := len(raw) - 1
	for i < end {
		b := raw[i]
		if b == 0x7D {
			if i+1 >= end {
				return nil, ErrStuffing
			}
			b = raw[i+1] ^ 0x20
			i += 2
		} else {
			i++
		}
		unstuffed = append(unstuffed, b)
	}
	if raw[len(raw)-1] != btStartEnd {
		return nil, ErrShortFrame
	}
	if len(unstuffed) < 14+7+26 {
		return nil, ErrShortFrame
	}

	// The last two unstuffed bytes are the FCS; everything before them
	// (source MAC onward) is folded to validate it.
	dataLen := len(unstuffed) - 2
	for _, b := range unstuffed[:dataLen] {
		fcs = fcsUpdate(fcs, b)
	}
	fcs ^= 0xFFFF
	gotLo, gotHi := unstuffed[dataLen], unstuffed[dataLen+1]
	if byte(fcs) != gotLo || byte(fcs>>8) != gotHi {
		return nil, ErrChecksum
	}

	// unstuffed layout: srcMAC(6) dstMAC(6) ctrl(2) 0x7E(1)
	// L2 magic 0x656003FF(4) longwords(1) ctrl(1) [L2 body...] FCS(2)
	l2 := unstuffed[14+7 : dataLen]
	return parseL2Body(TransportBluetooth, l2)
}

// ParseSpeedwireFrame validates the L1/L2 magics of a received
// Speedwire datagram and returns the decoded header and L2 body.
func ParseSpeedwireFrame(raw []byte) (*ReplyFrame, error) {
	if len(raw) < 18 || string(raw[0:4]) != "SMA\x00" {
		return nil, ErrBadMagic
	}
	l2MagicOff := 14
	if len(raw) < l2MagicOff+6 {
		return nil, ErrShortFrame
	}
	if binary.BigEndian.Uint32(raw[l2MagicOff:]) != speedwireL2Magic {
		return nil, ErrBadMagic
	}
	longwords := raw[l2MagicOff+4]
	l2 := raw[l2MagicOff+6:] // skip magic(4) + longwords(1) + ctrl(1)
	reply, err := parseL2Body(TransportSpeedwire, l2)
	if err != nil {
		return nil, err
	}
	reply.Longwords = longwords
	return reply, nil
}

// parseL2Body decodes the shared request/reply prefix (spec §4.1) and
// keeps the remainder of the body (records, or command-specific reply
// payload) available to callers.
func parseL2Body(kind Transport, l2 []byte) (*ReplyFrame, error) {
	if len(l2) < 26 {
		return nil, ErrShortFrame
	}
	// Layout: dst_susy(0) dst_serial(2) ctrl2(6) src_susy(8) src_serial(10)
	// ctrl2echo(14) error_code(16) packet_count(18) packet_id(20).
	srcSusy := binary.LittleEndian.Uint16(l2[8:])
	srcSerial := binary.LittleEndian.Uint32(l2[10:])
	pid := binary.LittleEndian.Uint16(l2[20:]) & 0x7FFF
	errCode := binary.LittleEndian.Uint16(l2[16:])
	packetCnt := uint16(l2[18])

	return &ReplyFrame{
		Transport: kind,
		SrcSusyID: srcSusy,
		SrcSerial: srcSerial,
		PacketID:  pid,
		ErrorCode: errCode,
		PacketCnt: packetCnt,
		Body:      l2,
	}, nil
}
