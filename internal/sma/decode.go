package sma

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/exp/constraints"
)

// scale divides a raw integer telemetry value by the unit's fixed-point
// divisor (e.g. centivolts -> volts, milliamps -> amps), generalizing
// the teacher's generic register-conversion helpers in internal/solar
// to whatever signed or unsigned width the record decoder reads.
func scale[T constraints.Integer](v T, divisor T) float64 {
	return float64(v) / float64(divisor)
}

// Data type tag occupying the high byte of a live record's code field
// (spec §4.5).
const (
	DataTypeULONG  byte = 0x00
	DataTypeSTATUS byte = 0x08
	DataTypeSTRING byte = 0x10
	DataTypeFLOAT  byte = 0x40
	DataTypeSLONG  byte = 0x80
)

// NaN sentinel values, one per encoded width (spec §4.5).
const (
	nanU16 = 0x8000
	nanU16Alt = 0xFFFF
	nanU32 = 0x80000000
	nanU32Alt = 0xFFFFFFFF
	nanU64 = 0x8000000000000000
	nanU64Alt = 0xFFFFFFFFFFFFFFFF
)

const statusAttrTerminator uint32 = 0x00FFFFFE

// LRI codes for the fields this decoder understands. Values are
// chosen inside the command's LRI range from the query schema; the
// exact numeric assignment is a vendor convention, not something the
// protocol negotiates.
const (
	lriGridMsTotW       uint32 = 0x00263F00
	lriGridMsWphsA      uint32 = 0x00464000
	lriGridMsWphsB      uint32 = 0x00464100
	lriGridMsWphsC      uint32 = 0x00464200
	lriGridMsPhVphsA    uint32 = 0x00464800
	lriGridMsPhVphsB    uint32 = 0x00464900
	lriGridMsPhVphsC    uint32 = 0x00464A00
	lriGridMsAphsA      uint32 = 0x00465300
	lriGridMsAphsB      uint32 = 0x00465400
	lriGridMsAphsC      uint32 = 0x00465500
	lriGridMsHz         uint32 = 0x00465700
	lriDcMsWatt         uint32 = 0x00251E00
	lriDcMsVol          uint32 = 0x00451F00
	lriDcMsAmp          uint32 = 0x00452100
	lriMeteringTotWhOut uint32 = 0x00260100
	lriMeteringDyWhOut  uint32 = 0x00262200
	lriMeteringTotOpTms uint32 = 0x00462E00
	lriMeteringTotFeedT uint32 = 0x00462F00
	lriNameplateLoc     uint32 = 0x00821E00
	lriNameplatePkgRev  uint32 = 0x00823400
	lriNameplateModel   uint32 = 0x00821F00
	lriNameplateMainMdl uint32 = 0x00822000
	lriOperationHealth  uint32 = 0x00214800
	lriOperationGriSwSt uint32 = 0x00416400
	lriBatChaStt        uint32 = 0x00295A00
	lriBatTmpVal        uint32 = 0x00491E00
	lriBatVol           uint32 = 0x00491F00
	lriBatAmp           uint32 = 0x00492000
	lriCoolsysTmpNom    uint32 = 0x00237700
	lriMeteringGridTotWOut uint32 = 0x00463600
	lriMeteringGridTotWIn  uint32 = 0x00463700
)

// Record is a typed record reader over one borrowed slice of a reply
// body; offsets are checked and return ShortFrame rather than
// panicking (Design Notes: typed record reader, not C-style offsets).
type Record struct {
	raw []byte
}

func newRecord(raw []byte) (Record, error) {
	if len(raw) < 8 {
		return Record{}, ErrShortFrame
	}
	return Record{raw: raw}, nil
}

func (r Record) Code() uint32      { return binary.LittleEndian.Uint32(r.raw[0:4]) }
func (r Record) DataType() byte    { return byte(r.Code() >> 24) }
func (r Record) LRI() uint32       { return r.Code() & 0x00FFFF00 }
func (r Record) Cls() byte         { return byte(r.Code()) }
func (r Record) Datetime() time.Time {
	return time.Unix(int64(binary.LittleEndian.Uint32(r.raw[4:8])), 0).UTC()
}

func (r Record) u32At(off int) (uint32, error) {
	if off+4 > len(r.raw) {
		return 0, ErrShortFrame
	}
	return binary.LittleEndian.Uint32(r.raw[off : off+4]), nil
}

func (r Record) u64At(off int) (uint64, error) {
	if off+8 > len(r.raw) {
		return 0, ErrShortFrame
	}
	return binary.LittleEndian.Uint64(r.raw[off : off+8]), nil
}

// Int32 returns the record's "semantic value" field at offset +16 as
// an int32, whatever the record's declared data type, filtering the
// 32-bit NaN sentinels. ok is false when the value is absent.
func (r Record) Int32() (v int32, ok bool, err error) {
	raw, err := r.u32At(16)
	if err != nil {
		return 0, false, err
	}
	if raw == nanU32 || raw == nanU32Alt {
		return 0, false, nil
	}
	return int32(raw), true, nil
}

// Uint64Counter reads the 64-bit counter carried by 16-byte records
// such as e_total/e_today/op_time.
func (r Record) Uint64Counter() (v uint64, ok bool, err error) {
	raw, err := r.u64At(8)
	if err != nil {
		return 0, false, err
	}
	if raw == nanU64 || raw == nanU64Alt {
		return 0, false, nil
	}
	return raw, true, nil
}

// String32 reads the 32-byte UTF-8 string carried by STRING records.
func (r Record) String32() (string, error) {
	if len(r.raw) < 8+32 {
		return "", ErrShortFrame
	}
	s := r.raw[8 : 8+32]
	n := len(s)
	for n > 0 && s[n-1] == 0 {
		n--
	}
	return string(s[:n]), nil
}

// SelectedStatus scans the STATUS attribute list starting at +8 and
// returns the first entry whose high byte is set to 1, per spec §4.5.
func (r Record) SelectedStatus() (uint32, bool) {
	for off := 8; off+4 <= len(r.raw); off += 4 {
		attr := binary.LittleEndian.Uint32(r.raw[off : off+4])
		if attr == statusAttrTerminator {
			break
		}
		if byte(attr>>24) == 1 {
			return attr & 0x00FFFFFF, true
		}
	}
	return 0, false
}

// ParseLiveRecords splits a reply body into fixed-size records of
// recSize bytes each, starting at the given offset (spec §4.4
// "Fragmentation" record-span formula is resolved by the caller).
func ParseLiveRecords(body []byte, offset, recSize int) ([]Record, error) {
	if recSize <= 0 {
		return nil, fmt.Errorf("sma: invalid record size %d", recSize)
	}
	var out []Record
	for off := offset; off+recSize <= len(body); off += recSize {
		rec, err := newRecord(body[off : off+recSize])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordSpan implements the fallback record-size formula from spec
// §4.4: 4*(longwords-9)/(lastIndex-firstIndex+1).
func RecordSpan(longwords byte, firstIndex, lastIndex uint32) (int, error) {
	span := lastIndex - firstIndex + 1
	if span == 0 {
		return 0, fmt.Errorf("sma: zero-width LRI span")
	}
	return int(4*(int(longwords)-9)) / int(span), nil
}

// ApplyLiveRecord decodes one record and updates the matching field
// on inv, per the LRI -> semantic field mapping (spec §4.5). Unknown
// LRIs are silently ignored, matching the source's behavior for
// undecoded tags such as OperationHealthSttOk/Wrn/Alm.
func ApplyLiveRecord(inv *Inverter, rec Record) {
	lri := rec.LRI()
	cls := int(rec.Cls())

	switch rec.DataType() {
	case DataTypeULONG, DataTypeFLOAT:
		v, ok, err := rec.Int32()
		if err != nil || !ok {
			applyLiveCounter(inv, rec, lri)
			return
		}
		applyLiveScalar(inv, lri, cls, v)
	case DataTypeSLONG:
		v, ok, err := rec.Int32()
		if err != nil || !ok {
			return
		}
		applyLiveScalar(inv, lri, cls, v)
	case DataTypeSTRING:
		s, err := rec.String32()
		if err != nil {
			return
		}
		applyLiveString(inv, lri, s)
	case DataTypeSTATUS:
		v, ok := rec.SelectedStatus()
		if !ok {
			return
		}
		applyLiveScalar(inv, lri, cls, int32(v))
	}
}

func applyLiveCounter(inv *Inverter, rec Record, lri uint32) {
	v, ok, err := rec.Uint64Counter()
	if err != nil || !ok {
		return
	}
	switch lri {
	case lriMeteringTotWhOut:
		inv.ETotalWh = v
	case lriMeteringDyWhOut:
		inv.ETodayWh = v
	case lriMeteringTotOpTms:
		inv.OperationTimeS = v
	case lriMeteringTotFeedT:
		inv.FeedInTimeS = v
	}
}

func applyLiveScalar(inv *Inverter, lri uint32, cls int, v int32) {
	switch lri {
	case lriGridMsTotW:
		inv.TotalPac = float64(v)
	case lriGridMsWphsA:
		inv.Pac[0] = float64(v)
	case lriGridMsWphsB:
		inv.Pac[1] = float64(v)
	case lriGridMsWphsC:
		inv.Pac[2] = float64(v)
	case lriGridMsPhVphsA:
		inv.Uac[0] = scale(v, 100)
	case lriGridMsPhVphsB:
		inv.Uac[1] = scale(v, 100)
	case lriGridMsPhVphsC:
		inv.Uac[2] = scale(v, 100)
	case lriGridMsAphsA:
		inv.Iac[0] = scale(v, 1000)
	case lriGridMsAphsB:
		inv.Iac[1] = scale(v, 1000)
	case lriGridMsAphsC:
		inv.Iac[2] = scale(v, 1000)
	case lriGridMsHz:
		inv.GridFreqHz = scale(v, 100)
	case lriDcMsWatt:
		inv.Tracker(cls).Pdc = float64(v)
	case lriDcMsVol:
		inv.Tracker(cls).Udc = scale(v, 100)
	case lriDcMsAmp:
		inv.Tracker(cls).Idc = scale(v, 1000)
	case lriOperationHealth:
		inv.DeviceStatus = uint32(v)
	case lriOperationGriSwSt:
		inv.GridRelayStatus = uint32(v)
	case lriCoolsysTmpNom:
		inv.TemperatureC = scale(v, 100)
	case lriBatChaStt:
		inv.HasBattery = true
		inv.Battery.SoC = float64(v)
	case lriBatTmpVal:
		inv.HasBattery = true
		inv.Battery.TempC = scale(v, 10)
	case lriBatVol:
		inv.HasBattery = true
		inv.Battery.Voltage = scale(v, 100)
	case lriBatAmp:
		inv.HasBattery = true
		inv.Battery.Current = scale(v, 1000)
	case lriMeteringGridTotWOut:
		inv.MeteringTotWOut = float64(v)
	case lriMeteringGridTotWIn:
		inv.MeteringTotWIn = float64(v)
	case lriNameplateMainMdl:
		inv.DeviceClass = DeviceClass(v)
	case lriNameplateModel:
		inv.DeviceTypeTag = uint32(v)
	case lriNameplatePkgRev:
		inv.SWVersion = decodePkgRev(uint32(v))
	}
}

func applyLiveString(inv *Inverter, lri uint32, s string) {
	switch lri {
	case lriNameplateLoc:
		inv.DeviceName = s
	}
}

var pkgRevReleaseType = map[byte]byte{
	0: 'N', 1: 'E', 2: 'A', 3: 'B', 4: 'R', 5: 'S',
}

// decodePkgRev splits the packed NameplatePkgRev dword into the dotted
// "MM.mm.bb.T" version string (spec §4.5).
func decodePkgRev(v uint32) string {
	major := byte(v >> 24)
	minor := byte(v >> 16)
	build := byte(v >> 8)
	t, ok := pkgRevReleaseType[byte(v)]
	if !ok {
		t = 'N'
	}
	return fmt.Sprintf("%d.%d.%d.%c", major, minor, build, t)
}

// ArchiveDayRecord is one decoded 12-byte day-archive sample before
// civil-day filtering (spec §4.5 "Archive day decoder").
type ArchiveDayRecord struct {
	Datetime time.Time
	TotalWh  uint64
	valid    bool
}

// DecodeArchiveDay walks the 12-byte (datetime, total_wh) records in
// body starting at offset, applying the monotonicity and alignment
// filter from spec §4.5 and §8 property 4. Invalid records are
// dropped and do not advance prevDatetime/prevTotalWh.
func DecodeArchiveDay(body []byte, offset int, loc *time.Location) []DayData {
	const recSize = 12
	var (
		out            []DayData
		prevDatetime   int64
		prevTotalWh    uint64
		haveFirst      bool
	)
	for off := offset; off+recSize <= len(body); off += recSize {
		dt := int64(binary.LittleEndian.Uint32(body[off : off+4]))
		wh := binary.LittleEndian.Uint64(body[off+4 : off+12])

		if wh == nanU64 || wh == nanU64Alt {
			continue
		}
		if haveFirst && (dt <= prevDatetime || dt%300 != 0 || wh < prevTotalWh) {
			continue
		}
		if !haveFirst && dt%300 != 0 {
			continue
		}

		var watt float64
		if haveFirst {
			watt = float64(wh-prevTotalWh) * 3600 / float64(dt-prevDatetime)
		}
		t := time.Unix(dt, 0).In(loc)
		out = append(out, DayData{Datetime: t, TotalWh: wh, Watt: watt})

		prevDatetime, prevTotalWh, haveFirst = dt, wh, true
	}
	return out
}

// FilterCivilDay keeps only the samples whose local date matches day.
func FilterCivilDay(samples []DayData, day time.Time) [288]DayData {
	var out [288]DayData
	y, m, d := day.Date()
	for _, s := range samples {
		sy, sm, sd := s.Datetime.Date()
		if sy != y || sm != m || sd != d {
			continue
		}
		idx := s.Datetime.Hour()*12 + s.Datetime.Minute()/5
		if idx >= 0 && idx < len(out) {
			out[idx] = s
		}
	}
	return out
}

// DecodeArchiveMonth mirrors DecodeArchiveDay for the 1-day-granularity
// month archive, applying monthOffset to correct the inverters that
// report records one civil day late (spec §4.5 "Archive month decoder").
func DecodeArchiveMonth(body []byte, offset int, monthOffset time.Duration, loc *time.Location) []MonthData {
	const recSize = 12
	var (
		out          []MonthData
		prevTotalWh  uint64
		haveFirst    bool
	)
	for off := offset; off+recSize <= len(body); off += recSize {
		dt := int64(binary.LittleEndian.Uint32(body[off : off+4]))
		wh := binary.LittleEndian.Uint64(body[off+4 : off+12])
		if wh == nanU64 || wh == nanU64Alt {
			continue
		}
		t := time.Unix(dt, 0).Add(monthOffset).In(loc)
		var dayWh uint64
		if haveFirst && wh >= prevTotalWh {
			dayWh = wh - prevTotalWh
		}
		out = append(out, MonthData{Datetime: t, TotalWh: wh, DayWh: dayWh})
		prevTotalWh, haveFirst = wh, true
	}
	return out
}

// DetectMonthDataOffset runs the pre-pass described in spec §4.5: it
// inspects the last non-zero record of a just-fetched month archive
// and reports whether the inverter is reporting records one civil day
// late, in which case callers should use a -24h offset from then on
// (SPEC_FULL.md supplemented feature 3; original_source ArchData.cpp
// getMonthDataOffset).
func DetectMonthDataOffset(samples []MonthData, now time.Time) time.Duration {
	var last *MonthData
	for i := range samples {
		if samples[i].TotalWh != 0 {
			last = &samples[i]
		}
	}
	if last == nil {
		return 0
	}
	ly, lm, ld := last.Datetime.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	if ly == ny && lm == nm && ld == nd {
		return 0
	}
	return -24 * time.Hour
}

// ArchiveEvent is one decoded 24-byte event-log record (spec §4.5).
type ArchiveEvent = Event

// DecodeArchiveEvents parses the 24-byte event records in body and
// reports whether the end of the log was reached (entry_id == 1),
// per spec §4.5 and §8 property 8.
func DecodeArchiveEvents(body []byte, offset int) (events []Event, endOfLog bool) {
	const recSize = 24
	for off := offset; off+recSize <= len(body); off += recSize {
		entryID := binary.LittleEndian.Uint32(body[off : off+4])
		dt := binary.LittleEndian.Uint32(body[off+4 : off+8])
		susy := binary.LittleEndian.Uint16(body[off+8 : off+10])
		serial := binary.LittleEndian.Uint32(body[off+10 : off+14])
		code := binary.LittleEndian.Uint32(body[off+14 : off+18])
		flags := binary.LittleEndian.Uint16(body[off+18 : off+20])
		group := binary.LittleEndian.Uint16(body[off+20 : off+22])
		tag := binary.LittleEndian.Uint16(body[off+22 : off+24])

		ev := Event{
			EntryID:   entryID,
			Datetime:  time.Unix(int64(dt), 0).UTC(),
			SusyID:    susy,
			Serial:    serial,
			Code:      code,
			Flags:     flags,
			Group:     uint32(group),
			Tag:       uint32(tag),
			Category:  EventCategory((flags >> 14) & 3),
			Type:      EventType(flags & 7),
		}
		events = append(events, ev)
		if entryID == 1 {
			return events, true
		}
	}
	return events, false
}

// ConsolidateMultigate sums each multigate parent's day/month archive
// slots from its SB-240 children, per spec §4.5 "Multigate
// consolidation" and §8 property 7.
func ConsolidateMultigate(parent *Inverter, children []*Inverter) {
	for i := range parent.DayData {
		var sumWh uint64
		var sumW float64
		var last time.Time
		for _, c := range children {
			d := c.DayData[i]
			if d.Datetime.IsZero() {
				continue
			}
			sumWh += d.TotalWh
			sumW += d.Watt
			last = d.Datetime
		}
		if !last.IsZero() {
			parent.DayData[i] = DayData{Datetime: last, TotalWh: sumWh, Watt: sumW}
		}
	}
	for i := range parent.MonthData {
		var sumTotal, sumDay uint64
		var last time.Time
		for _, c := range children {
			m := c.MonthData[i]
			if m.Datetime.IsZero() {
				continue
			}
			sumTotal += m.TotalWh
			sumDay += m.DayWh
			last = m.Datetime
		}
		if !last.IsZero() {
			parent.MonthData[i] = MonthData{Datetime: last, TotalWh: sumTotal, DayWh: sumDay}
		}
	}
}
