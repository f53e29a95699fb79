package sma

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func encodeDayRecord(datetime uint32, totalWh uint64) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], datetime)
	binary.LittleEndian.PutUint64(buf[4:12], totalWh)
	return buf
}

func TestDecodeArchiveDayFiltersInvalidRecords(t *testing.T) {
	base := uint32(time.Date(2024, 6, 15, 5, 0, 0, 0, time.UTC).Unix())
	var body []byte
	body = append(body, encodeDayRecord(base, 1000)...)
	body = append(body, encodeDayRecord(base+300, 1100)...)      // valid
	body = append(body, encodeDayRecord(base+301, 1200)...)      // invalid: not a 300s multiple
	body = append(body, encodeDayRecord(base+300, 1150)...)      // invalid: datetime not increasing
	body = append(body, encodeDayRecord(base+600, 1050)...)      // invalid: total_wh decreased
	body = append(body, encodeDayRecord(base+600, nanU64Alt)...) // invalid: NaN

	samples := DecodeArchiveDay(body, 0, time.UTC)
	require.Len(t, samples, 2)
	require.Equal(t, uint64(1000), samples[0].TotalWh)
	require.Equal(t, uint64(1100), samples[1].TotalWh)
}

func TestDecodeArchiveDaySlotComputation(t *testing.T) {
	base := uint32(time.Date(2024, 6, 15, 5, 0, 0, 0, time.UTC).Unix())
	var body []byte
	body = append(body, encodeDayRecord(base, 1000)...)
	body = append(body, encodeDayRecord(base+300, 1100)...)

	samples := DecodeArchiveDay(body, 0, time.UTC)
	require.Len(t, samples, 2)

	second := samples[1]
	wantWatt := float64(1100-1000) * 3600 / 300
	require.InDelta(t, wantWatt, second.Watt, 0.001)

	idx := second.Datetime.Hour()*12 + second.Datetime.Minute()/5
	require.Equal(t, 61, idx) // 05:05 -> slot 61
}

func TestFilterCivilDayKeepsOnlyRequestedDay(t *testing.T) {
	day := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	samples := []DayData{
		{Datetime: time.Date(2024, 6, 14, 23, 55, 0, 0, time.UTC), TotalWh: 1},
		{Datetime: time.Date(2024, 6, 15, 5, 0, 0, 0, time.UTC), TotalWh: 2},
		{Datetime: time.Date(2024, 6, 16, 0, 0, 0, 0, time.UTC), TotalWh: 3},
	}
	out := FilterCivilDay(samples, day)
	require.Equal(t, uint64(2), out[5*12].TotalWh)
	require.Equal(t, uint64(0), out[0].TotalWh)
}

func TestConsolidateMultigate(t *testing.T) {
	parent := NewInverter()
	c1 := NewInverter()
	c2 := NewInverter()
	ts := time.Date(2024, 6, 15, 5, 0, 0, 0, time.UTC)
	c1.DayData[61] = DayData{Datetime: ts, TotalWh: 100, Watt: 50}
	c2.DayData[61] = DayData{Datetime: ts, TotalWh: 200, Watt: 75}

	ConsolidateMultigate(parent, []*Inverter{c1, c2})

	require.Equal(t, uint64(300), parent.DayData[61].TotalWh)
	require.InDelta(t, 125, parent.DayData[61].Watt, 0.001)
	require.Equal(t, ts, parent.DayData[61].Datetime)
}

func encodeEventRecord(entryID uint32, flags uint16) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint32(buf[0:4], entryID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(time.Now().Unix()))
	binary.LittleEndian.PutUint16(buf[18:20], flags)
	return buf
}

func TestDecodeArchiveEventsSignalsEndOfLog(t *testing.T) {
	var body []byte
	body = append(body, encodeEventRecord(42, 0)...)
	body = append(body, encodeEventRecord(1, 0)...)

	events, eof := DecodeArchiveEvents(body, 0)
	require.True(t, eof)
	require.Len(t, events, 2)
	require.Equal(t, uint32(1), events[1].EntryID)
}

func TestDecodeArchiveEventsContinuesWithoutEOF(t *testing.T) {
	body := encodeEventRecord(7, 0)
	events, eof := DecodeArchiveEvents(body, 0)
	require.False(t, eof)
	require.Len(t, events, 1)
}

func TestEncodePasswordUserGroup(t *testing.T) {
	wire := EncodePassword("0000", UserGroupUser)
	for i := 0; i < 4; i++ {
		require.Equal(t, byte('0')+0x88, wire[i])
	}
	for i := 4; i < 12; i++ {
		require.Equal(t, byte(0x88), wire[i])
	}
}

func TestEncodePasswordInstallerGroup(t *testing.T) {
	wire := EncodePassword("ab", UserGroupInstaller)
	// The biased byte wraps modulo 256.
	require.Equal(t, byte(('a'+0xBB)&0xFF), wire[0])
	require.Equal(t, byte(('b'+0xBB)&0xFF), wire[1])
	require.Equal(t, byte(0xBB), wire[2])
}
