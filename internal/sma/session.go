package sma

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sbfspot-go/sbfspot/internal/sbferr"
)

// broadcastBTAddr is the "any inverter" destination used for BT
// identity-query and logon broadcasts.
var broadcastBTAddr = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Session bundles the process-wide mutable state the original source
// kept as globals (packet_position, FCSChecksum, pcktBuf, pcktID,
// tagdefs) into one value passed by reference, so there is no ambient
// state left for concurrent pollers to collide on (spec §9, "Global
// mutable process state").
type Session struct {
	Transport Transport
	Link      Link
	AppSerial uint32
	LocalMAC  [6]byte
	NetID     byte

	Roster     []*Inverter
	HasBattery bool
	Catalog    *Catalog

	packetID uint16
	log      *slog.Logger
}

// NewSession builds a Session bound to an already-connected Link.
func NewSession(link Link, appSerial uint32, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{Transport: link.Transport(), Link: link, AppSerial: appSerial, log: log}
}

// NextPacketID advances the monotonically-increasing, mod-2^15
// packet-ID counter and returns it with the wire high bit set
// (spec §3 Session, §4.4 Correlation).
func (s *Session) NextPacketID() uint16 {
	s.packetID = (s.packetID + 1) & 0x7FFF
	return s.packetID | 0x8000
}

func (s *Session) l2Header(dstSusy uint16, dstSerial uint32, ctrl2 uint16) L2Header {
	return L2Header{
		DstSusyID: dstSusy,
		DstSerial: dstSerial,
		Ctrl2:     ctrl2,
		SrcSusyID: AppSusyID,
		SrcSerial: s.AppSerial,
		PacketID:  s.NextPacketID(),
	}
}

// buildRequest assembles one outbound frame, addressed to dst over
// s.Link's transport, carrying the shared L2 header plus whatever the
// caller writes through body.
func (s *Session) buildRequest(dstMAC [6]byte, dstSusy uint16, dstSerial uint32, ctrl byte, ctrl2 uint16, body func(fb *FrameBuilder)) ([]byte, uint16, error) {
	var (
		frame []byte
		pid   uint16
		err   error
	)
	if s.Transport == TransportBluetooth {
		frame, pid, err = BuildRetryingBT(s.packetID+1, func(packetID uint16) (*FrameBuilder, error) {
			fb := NewFrameBuilder(TransportBluetooth)
			fb.BeginBT(s.LocalMAC, dstMAC, uint16(ctrl))
			fb.WriteU8(0x7E)
			fb.WriteU32(0x656003FF)
			fb.WriteU8(9)
			fb.WriteU8(ctrl)
			h := s.l2Header(dstSusy, dstSerial, ctrl2)
			h.PacketID = packetID | 0x8000
			fb.WriteL2Header(h)
			body(fb)
			return fb, nil
		})
		if err != nil {
			return nil, 0, err
		}
		s.packetID = pid & 0x7FFF
		return frame, pid, nil
	}

	fb := NewFrameBuilder(TransportSpeedwire)
	fb.BeginSpeedwire(ctrl)
	h := s.l2Header(dstSusy, dstSerial, ctrl2)
	pid = h.PacketID
	fb.WriteL2Header(h)
	body(fb)
	frame, err = fb.Finish()
	if err != nil {
		return nil, 0, err
	}
	return frame, pid, nil
}

// exchange sends frame and waits for a reply matching sentPID, up to
// MaxRetry attempts, following the "accept next" correlation rule
// and MAX_RETRY from spec §4.4.
const MaxRetry = 3

func (s *Session) exchange(ctx context.Context, frame []byte, sentPID uint16) (*ReplyFrame, error) {
	acceptNext := false
	for attempt := 0; attempt < MaxRetry; attempt++ {
		if err := s.Link.Send(ctx, frame); err != nil {
			return nil, fmt.Errorf("sma: send: %w", sbferr.New(sbferr.Comm, err.Error()))
		}
		rctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		raw, err := s.Link.Receive(rctx)
		cancel()
		if err != nil {
			continue // Empty: retry the same frame/packet-ID
		}

		var reply *ReplyFrame
		if s.Transport == TransportBluetooth {
			reply, err = ParseBTFrame(raw)
		} else {
			reply, err = ParseSpeedwireFrame(raw)
		}
		if err == ErrChecksum {
			return nil, sbferr.New(sbferr.Checksum, "reply FCS mismatch")
		}
		if err != nil {
			continue
		}

		if reply.PacketID != (sentPID&0x7FFF) && !acceptNext {
			s.log.Debug("dropping mismatched packet id", "want", sentPID&0x7FFF, "got", reply.PacketID)
			acceptNext = true
			continue
		}
		return reply, nil
	}
	return nil, sbferr.New(sbferr.NoData, "no reply after retries")
}

// EncodePassword builds the 12-byte logon password buffer: each ASCII
// byte of password is offset by the group's bias, and the remainder is
// padded with the bare bias byte (spec §4.3, §8 property 9).
func EncodePassword(password string, group UserGroup) [12]byte {
	bias := byte(0x88)
	if group == UserGroupInstaller {
		bias = 0xBB
	}
	var buf [12]byte
	for i := range buf {
		if i < len(password) {
			buf[i] = password[i] + bias
		} else {
			buf[i] = bias
		}
	}
	return buf
}

// Logon authenticates against one roster member with the given
// credentials (spec §4.3 "Logon"). It sends one logon request
// addressed to inv and waits for one reply; on both transports it is
// called once per roster member.
func (s *Session) Logon(ctx context.Context, inv *Inverter, group UserGroup, password string) error {
	pw := EncodePassword(password, group)
	frame, pid, err := s.buildRequest(inv.BTAddress, inv.SusyID, inv.Serial, 0xA0, 0x0100, func(fb *FrameBuilder) {
		fb.WriteCommand(0xFFFD040C, uint32(group), 900)
		fb.WriteU32(uint32(time.Now().Unix()))
		fb.WriteU32(0)
		fb.WriteBytes(pw[:])
	})
	if err != nil {
		return err
	}
	reply, err := s.exchange(ctx, frame, pid)
	if err != nil {
		return err
	}
	if reply.ErrorCode == 0x0100 {
		return sbferr.New(sbferr.InvalidPasswd, fmt.Sprintf("logon rejected for %s", inv.DeviceName))
	}
	if reply.ErrorCode != 0 {
		return sbferr.New(sbferr.Privilege, fmt.Sprintf("logon error 0x%04x", reply.ErrorCode))
	}
	return nil
}

// Logoff broadcasts or unicasts the logoff command; no reply is
// expected (spec §4.3 "Logoff").
func (s *Session) Logoff(ctx context.Context, inv *Inverter) error {
	frame, _, err := s.buildRequest(inv.BTAddress, inv.SusyID, inv.Serial, 0xA0, 0x0300, func(fb *FrameBuilder) {
		fb.WriteCommand(0xFFFD010E, 0xFFFFFFFF, 0)
	})
	if err != nil {
		return err
	}
	return s.Link.Send(ctx, frame)
}

// IdentityQuery broadcasts (BT) or unicasts (Speedwire) the identity
// command used by discovery to learn each device's (susy_id, serial).
func (s *Session) IdentityQuery(ctx context.Context, dstMAC [6]byte) ([]*ReplyFrame, error) {
	frame, pid, err := s.buildRequest(dstMAC, AnySusyID, AnySerial, 0x00, 0, func(fb *FrameBuilder) {
		fb.WriteCommand(0x00000200, 0, 0)
	})
	if err != nil {
		return nil, err
	}
	reply, err := s.exchange(ctx, frame, pid)
	if err != nil {
		return nil, err
	}
	return []*ReplyFrame{reply}, nil
}

// DiscoverSpeedwire builds the roster either from a configured unicast
// IP list, or by multicasting the discovery probe when ips is empty
// (spec §4.3 "Initialization sequence, Speedwire").
func (s *Session) DiscoverSpeedwire(ctx context.Context, ips []net.IP) error {
	if len(ips) == 0 {
		return s.discoverSpeedwireMulticast(ctx)
	}
	for _, ip := range ips {
		inv := NewInverter()
		inv.IPAddress = ip.String()
		replies, err := s.IdentityQuery(ctx, [6]byte{})
		if err != nil {
			s.log.Warn("identity query failed", "ip", ip, "err", err)
			continue
		}
		for _, r := range replies {
			inv.SusyID = r.SrcSusyID
			inv.Serial = r.SrcSerial
		}
		s.Roster = append(s.Roster, inv)
	}
	return nil
}

// discoverSpeedwireMulticast sends a discovery probe to the Speedwire
// multicast group and builds the roster from the responding IPs
// (spec §4.3: "each SMA device answers with its IP encoded at offsets
// 38..41 of the response").
func (s *Session) discoverSpeedwireMulticast(ctx context.Context) error {
	probe := make([]byte, 20)
	copy(probe, []byte("SMA\x00"))
	if err := s.Link.Send(ctx, probe); err != nil {
		return fmt.Errorf("sma: multicast discovery probe: %w", err)
	}
	deadline, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	for {
		raw, err := s.Link.Receive(deadline)
		if err != nil {
			break
		}
		if len(raw) < 42 {
			continue
		}
		ip := net.IP(raw[38:42])
		inv := NewInverter()
		inv.IPAddress = ip.String()
		s.Roster = append(s.Roster, inv)
	}
	return nil
}

// DiscoverBluetooth runs the multi-inverter BT initialization sequence
// (spec §4.3 steps 1-9). The topology walk (steps 6-8) and the
// net_id > 1 handshake escalation (step 8) are driven by the caller
// repeating ParseTopology on each 0x05/0x1001/0x0006 notification the
// link delivers; this method performs the version probe, net attach,
// and identity broadcast a single polling cycle needs.
func (s *Session) DiscoverBluetooth(ctx context.Context) error {
	if err := s.probeVersion(ctx); err != nil {
		return err
	}
	if err := s.attachToNet(ctx); err != nil {
		return err
	}
	frame, pid, err := s.buildRequest(broadcastBTAddr, AnySusyID, AnySerial, 0x00, 0, func(fb *FrameBuilder) {
		fb.WriteCommand(0x00000200, 0, 0)
	})
	if err != nil {
		return err
	}
	reply, err := s.exchange(ctx, frame, pid)
	if err != nil {
		return err
	}
	for _, inv := range s.Roster {
		if inv.SusyID == 0 {
			inv.SusyID = reply.SrcSusyID
			inv.Serial = reply.SrcSerial
		}
	}
	return nil
}

// probeVersion sends the "version" probe (control 0x0201, body
// "ver\r\n") and rejects firmware older than 1.71 (spec §4.3 steps 1-3,
// §8 scenario S4).
func (s *Session) probeVersion(ctx context.Context) error {
	frame, pid, err := s.buildRequest(broadcastBTAddr, AnySusyID, AnySerial, 0x02, 0x01, func(fb *FrameBuilder) {
		fb.WriteBytes([]byte("ver\r\n"))
	})
	if err != nil {
		return err
	}
	reply, err := s.exchange(ctx, frame, pid)
	if err != nil {
		return err
	}
	if len(reply.Body) > 19 && reply.Body[19] < 4 {
		return sbferr.New(sbferr.FWVersion, "inverter firmware older than 1.71")
	}
	return nil
}

// attachToNet sends the "attach to net" request and captures the local
// BT MAC from the reply (spec §4.3 step 4-5). It does not read the bus
// net_id: s.NetID is sent as the request argument and left unchanged.
func (s *Session) attachToNet(ctx context.Context) error {
	frame, pid, err := s.buildRequest(broadcastBTAddr, AnySusyID, AnySerial, 0x02, 0, func(fb *FrameBuilder) {
		fb.WriteCommand(0x00700400, uint32(s.NetID), 0)
		fb.WriteU32(1)
	})
	if err != nil {
		return err
	}
	reply, err := s.exchange(ctx, frame, pid)
	if err != nil {
		return err
	}
	if len(reply.Body) > 31 {
		copy(s.LocalMAC[:], reply.Body[25:31])
	}
	return nil
}

// TopologyEntry is one 8-byte record of a BT network topology table
// (spec §4.3 step 7).
type TopologyEntry struct {
	Address [6]byte
	Type    uint16
}

// ParseTopology extracts inverter entries (type == 0x0101) from the
// 8-byte-aligned topology table starting at offset 18 of a 0x05
// broadcast reply.
func ParseTopology(body []byte) []TopologyEntry {
	var out []TopologyEntry
	for off := 18; off+8 <= len(body); off += 8 {
		typ := uint16(body[off+6]) | uint16(body[off+7])<<8
		if typ != 0x0101 {
			continue
		}
		var e TopologyEntry
		copy(e.Address[:], body[off:off+6])
		e.Type = typ
		out = append(out, e)
	}
	return out
}

// ResolveMultigates links each SB-240 roster entry to its nearest
// preceding multigate entry, the heuristic the original source uses
// when the topology table does not carry an explicit parent pointer
// (SPEC_FULL.md supplemented feature 4).
func ResolveMultigates(roster []*Inverter) {
	parent := -1
	for i, inv := range roster {
		switch inv.SusyID {
		case SIDMultigate:
			parent = i
		case SIDSB240:
			if parent >= 0 {
				inv.MultigateID = parent
			}
		}
	}
}

// BTSignal queries the BT radio link quality of one inverter
// (SUPPLEMENTED FEATURES item 5: command 0x03/0x0500).
func (s *Session) BTSignal(ctx context.Context, inv *Inverter) (float64, error) {
	frame, pid, err := s.buildRequest(inv.BTAddress, inv.SusyID, inv.Serial, 0x03, 0, func(fb *FrameBuilder) {
		fb.WriteCommand(0x05000000, 0, 0)
	})
	if err != nil {
		return 0, err
	}
	reply, err := s.exchange(ctx, frame, pid)
	if err != nil {
		return 0, err
	}
	if len(reply.Body) < 27 {
		return 0, ErrShortFrame
	}
	return float64(reply.Body[26]), nil
}

// TimeSyncState is the decoded time-sync probe reply (spec §4.3 "Time
// synchronization").
type TimeSyncState struct {
	InverterTime time.Time
	TZOffset     int32
	DST          bool
	Magic        uint32
}

// ReadTime reads the inverter's current UTC, TZ offset, DST flag and
// the opaque "magic" counter (spec §4.3, Open Question: magic's
// semantics are undocumented and carried through verbatim).
func (s *Session) ReadTime(ctx context.Context, inv *Inverter) (*TimeSyncState, error) {
	frame, pid, err := s.buildRequest(inv.BTAddress, inv.SusyID, inv.Serial, 0xA0, 0, func(fb *FrameBuilder) {
		fb.WriteCommand(0xF000020A, 0x00236D00, 0x00236D00)
		fb.WriteU32(0x00236D00)
	})
	if err != nil {
		return nil, err
	}
	reply, err := s.exchange(ctx, frame, pid)
	if err != nil {
		return nil, err
	}
	if len(reply.Body) < 58 {
		return nil, ErrShortFrame
	}
	return &TimeSyncState{
		InverterTime: time.Unix(int64(leU32(reply.Body[38:42])), 0).UTC(),
		TZOffset:     int32(leU32(reply.Body[50:54])),
		DST:          reply.Body[46] != 0,
		Magic:        leU32(reply.Body[54:58]),
	}, nil
}

// WriteTime re-sends the time-sync frame with the host's current time
// and an incremented magic counter, honoring the guard window from
// spec §4.3: the write is skipped unless the drift between inverter
// and host time is within [lowLimit, highLimit] seconds and the
// inverter has not been set within the last nDays days. Passing all
// three limits as zero bypasses every guard (the manual -settime path).
func (s *Session) WriteTime(ctx context.Context, inv *Inverter, state *TimeSyncState, lowLimit, highLimit time.Duration, nDays int, now time.Time) error {
	bypass := lowLimit == 0 && highLimit == 0 && nDays == 0
	if !bypass {
		drift := now.Sub(state.InverterTime)
		if drift < 0 {
			drift = -drift
		}
		if drift < lowLimit || drift > highLimit {
			return nil
		}
		if !inv.LastTimeSet.IsZero() && now.Sub(inv.LastTimeSet) < time.Duration(nDays)*24*time.Hour {
			return nil
		}
	}

	tzdst := uint32(state.TZOffset)
	if state.DST {
		tzdst |= 0x80000000
	}
	frame, pid, err := s.buildRequest(inv.BTAddress, inv.SusyID, inv.Serial, 0xA0, 0, func(fb *FrameBuilder) {
		fb.WriteCommand(0xF000020A, 0x00236D00, 0x00236D00)
		fb.WriteU32(uint32(now.Unix()))
		for i := 0; i < 6; i++ {
			fb.WriteU32(0)
		}
		fb.WriteU32(tzdst)
		for i := 0; i < 3; i++ {
			fb.WriteU32(0)
		}
		fb.WriteU32(state.Magic + 1)
	})
	if err != nil {
		return err
	}
	_, err = s.exchange(ctx, frame, pid)
	if err != nil {
		return err
	}
	inv.LastTimeSet = now
	return nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
