package sma

import (
	"context"
	"fmt"
	"time"

	"github.com/sbfspot-go/sbfspot/internal/sbferr"
)

// QueryName identifies one of the canonical typed queries of spec
// §4.4's query schema table.
type QueryName string

const (
	QueryEnergyProduction     QueryName = "EnergyProduction"
	QuerySpotDCPower          QueryName = "SpotDCPower"
	QuerySpotDCVoltageCurrent QueryName = "SpotDCVoltageCurrent"
	QuerySpotACPower          QueryName = "SpotACPower"
	QuerySpotACVoltageCurrent QueryName = "SpotACVoltageCurrent"
	QuerySpotGridFrequency    QueryName = "SpotGridFrequency"
	QuerySpotACTotalPower     QueryName = "SpotACTotalPower"
	QueryOperationTime        QueryName = "OperationTime"
	QueryTypeLabel            QueryName = "TypeLabel"
	QuerySoftwareVersion      QueryName = "SoftwareVersion"
	QueryDeviceStatus         QueryName = "DeviceStatus"
	QueryGridRelayStatus      QueryName = "GridRelayStatus"
	QueryInverterTemperature  QueryName = "InverterTemperature"
	QueryBatteryChargeStatus  QueryName = "BatteryChargeStatus"
	QueryBatteryInfo          QueryName = "BatteryInfo"
	QueryMeteringGridMsTotW   QueryName = "MeteringGridMsTotW"
)

type querySpec struct {
	Cmd, First, Last uint32
}

// liveQuerySchema is the canonical (command, first_lri, last_lri)
// triple for every live query, copied verbatim from spec §4.4.
var liveQuerySchema = map[QueryName]querySpec{
	QueryEnergyProduction:     {0x54000200, 0x00260100, 0x002622FF},
	QuerySpotDCPower:          {0x53800200, 0x00251E00, 0x00251EFF},
	QuerySpotDCVoltageCurrent: {0x53800200, 0x00451F00, 0x004521FF},
	QuerySpotACPower:          {0x51000200, 0x00464000, 0x004642FF},
	QuerySpotACVoltageCurrent: {0x51000200, 0x00464800, 0x004655FF},
	QuerySpotGridFrequency:    {0x51000200, 0x00465700, 0x004657FF},
	QuerySpotACTotalPower:     {0x51000200, 0x00263F00, 0x00263FFF},
	QueryOperationTime:        {0x54000200, 0x00462E00, 0x00462FFF},
	QueryTypeLabel:            {0x58000200, 0x00821E00, 0x008220FF},
	QuerySoftwareVersion:      {0x58000200, 0x00823400, 0x008234FF},
	QueryDeviceStatus:         {0x51800200, 0x00214800, 0x002148FF},
	QueryGridRelayStatus:      {0x51800200, 0x00416400, 0x004164FF},
	QueryInverterTemperature:  {0x52000200, 0x00237700, 0x002377FF},
	QueryBatteryChargeStatus:  {0x51000200, 0x00295A00, 0x00295AFF},
	QueryBatteryInfo:          {0x51000200, 0x00491E00, 0x00495DFF},
	QueryMeteringGridMsTotW:   {0x51000200, 0x00463600, 0x004637FF},
}

const (
	cmdArchiveDay            uint32 = 0x70000200
	cmdArchiveMonth          uint32 = 0x70200200
	cmdArchiveEventsUser     uint32 = 0x70100200
	cmdArchiveEventsInstall  uint32 = 0x70120200
)

// recordSizeLive is the fixed record size used by every live query in
// this schema (spec §4.4 "Fragmentation": 40 for typed live records).
const recordSizeLive = 40

// recordBodyOffset is where the first record begins within the L2
// body: dst_susy_id(2) + dst_serial(4) + ctrl2(2) + src_susy_id(2) +
// src_serial(4) + ctrl2_echo(2) + error_code(2) + packet_count(2) +
// packet_id(2) + command(4) + param_first(4) + param_last(4) = 34
// bytes, identical for every live and archive query since they all
// share the same request/reply prefix.
const recordBodyOffset = 34

// QueryLive issues one named live query to inv and applies every
// decoded record to its state (spec §4.4, §4.5). The per-record size
// is the RecordSpan formula computed from the reply's longwords count
// and the first/last record indices the reply carries in its
// param_first/param_last fields; recordSizeLive is the fallback when
// the reply carries no longwords count (Bluetooth replies are not
// currently decoded with one — see ReplyFrame.Longwords) or the
// formula gives no positive size.
func (s *Session) QueryLive(ctx context.Context, inv *Inverter, name QueryName) error {
	spec, ok := liveQuerySchema[name]
	if !ok {
		return sbferr.New(sbferr.BadArg, fmt.Sprintf("unknown query %s", name))
	}
	return s.runFragmentedQuery(ctx, inv, spec.Cmd, spec.First, spec.Last, func(reply *ReplyFrame) error {
		recSize := recordSizeLive
		if reply.Longwords != 0 && len(reply.Body) >= recordBodyOffset {
			first, last := leU32(reply.Body[26:30]), leU32(reply.Body[30:34])
			if span, err := RecordSpan(reply.Longwords, first, last); err == nil && span > 0 {
				recSize = span
			}
		}
		records, err := ParseLiveRecords(reply.Body, recordBodyOffset, recSize)
		if err != nil {
			return err
		}
		for _, rec := range records {
			ApplyLiveRecord(inv, rec)
		}
		return nil
	})
}

// runFragmentedQuery sends one request and keeps reading frames until
// the packet_count byte at offset 18 of the L2 body drops to zero
// (spec §4.4 "Fragmentation"), handing each fragment to decode.
func (s *Session) runFragmentedQuery(ctx context.Context, inv *Inverter, cmd, first, last uint32, decode func(reply *ReplyFrame) error) error {
	frame, pid, err := s.buildRequest(inv.BTAddress, inv.SusyID, inv.Serial, 0x00, 0, func(fb *FrameBuilder) {
		fb.WriteCommand(cmd, first, last)
	})
	if err != nil {
		return err
	}
	if err := s.Link.Send(ctx, frame); err != nil {
		return sbferr.New(sbferr.Comm, err.Error())
	}
	for {
		reply, err := s.awaitFragment(ctx, pid)
		if err != nil {
			return err
		}
		if reply.ErrorCode == uint16(sbferr.LRINotAvail) {
			return sbferr.New(sbferr.LRINotAvail, "LRI not available")
		}
		if err := decode(reply); err != nil {
			return err
		}
		if reply.PacketCnt == 0 {
			return nil
		}
	}
}

func (s *Session) awaitFragment(ctx context.Context, pid uint16) (*ReplyFrame, error) {
	for attempt := 0; attempt < MaxRetry; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		raw, err := s.Link.Receive(rctx)
		cancel()
		if err != nil {
			continue
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
		if reply.PacketID != pid&0x7FFF {
			continue
		}
		return reply, nil
	}
	return nil, sbferr.New(sbferr.NoData, "no reply after retries")
}

// ArchiveWindow is the query window passed to ArchiveDay/Month/Events.
type ArchiveWindow struct {
	Start, End time.Time
}

const archiveRecordSize = 12

// QueryArchiveDay retrieves one civil day's 5-minute archive and
// stores it into inv.DayData (spec §4.4 ArchiveDayData, §4.5 "Archive
// day decoder", §8 properties 4-5).
func (s *Session) QueryArchiveDay(ctx context.Context, inv *Inverter, day time.Time, loc *time.Location) error {
	startTime := uint32(day.Unix())
	var samples []DayData
	err := s.runFragmentedQuery(ctx, inv, cmdArchiveDay, startTime-300, startTime+86100, func(reply *ReplyFrame) error {
		samples = append(samples, DecodeArchiveDay(reply.Body, recordBodyOffset, loc)...)
		return nil
	})
	if err != nil {
		if sbErr, ok := err.(*sbferr.Error); ok && sbErr.Code == sbferr.NoData {
			return sbferr.New(sbferr.ArchNoData, "no day-archive data for window")
		}
		return err
	}
	inv.DayData = FilterCivilDay(samples, day.In(loc))
	return nil
}

// QueryArchiveMonth retrieves one calendar month's daily archive and
// stores it into inv.MonthData (spec §4.4 ArchiveMonthData, §4.5
// "Archive month decoder").
func (s *Session) QueryArchiveMonth(ctx context.Context, inv *Inverter, monthStart time.Time, loc *time.Location) error {
	startTime := uint32(monthStart.Unix())
	var samples []MonthData
	err := s.runFragmentedQuery(ctx, inv, cmdArchiveMonth, startTime-172800, startTime+86400*33, func(reply *ReplyFrame) error {
		samples = append(samples, DecodeArchiveMonth(reply.Body, recordBodyOffset, inv.MonthDataOffset, loc)...)
		return nil
	})
	if err != nil {
		if sbErr, ok := err.(*sbferr.Error); ok && sbErr.Code == sbferr.NoData {
			return sbferr.New(sbferr.ArchNoData, "no month-archive data for window")
		}
		return err
	}
	for i, m := range samples {
		if i >= len(inv.MonthData) {
			break
		}
		inv.MonthData[i] = m
	}
	return nil
}

// QueryArchiveEvents retrieves the event log for the given window,
// stopping at end-of-log (entry_id == 1) per spec §4.4/§4.5/§8
// property 8.
func (s *Session) QueryArchiveEvents(ctx context.Context, inv *Inverter, window ArchiveWindow, group UserGroup) error {
	cmd := cmdArchiveEventsUser
	if group == UserGroupInstaller {
		cmd = cmdArchiveEventsInstall
	}
	var eof bool
	err := s.runFragmentedQuery(ctx, inv, cmd, uint32(window.Start.Unix()), uint32(window.End.Unix()), func(reply *ReplyFrame) error {
		events, reachedEOF := DecodeArchiveEvents(reply.Body, recordBodyOffset)
		inv.Events = append(inv.Events, events...)
		if reachedEOF {
			eof = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if eof {
		return sbferr.New(sbferr.EOF, "reached oldest event")
	}
	return nil
}
