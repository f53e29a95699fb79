package sma

import "time"

// DeviceClass identifies the broad category of an SMA device, decoded
// from the NameplateMainModel LRI.
type DeviceClass int

const (
	DeviceClassUnknown DeviceClass = iota
	DeviceClassSolar
	DeviceClassBattery
	DeviceClassHybrid
	DeviceClassCommunication
	DeviceClassMeter
	DeviceClassCharger
	DeviceClassSensor
)

// Well-known SUSyIDs used for multigate consolidation (spec §3/§6).
const (
	SIDMultigate = 175
	SIDSB240     = 244
)

// MPPT carries the per-tracker DC telemetry of one MPP tracker input.
type MPPT struct {
	Pdc float64 // Watts
	Udc float64 // Volts
	Idc float64 // Amps
}

// DayData is one 5-minute bucket of a civil day's archive (spec §3).
type DayData struct {
	Datetime time.Time
	TotalWh  uint64
	Watt     float64
}

// MonthData is one civil day's record of a month archive (spec §3).
type MonthData struct {
	Datetime time.Time
	TotalWh  uint64
	DayWh    uint64
}

// EventCategory is the high bits of an event's flags field.
type EventCategory int

const (
	EventCategoryNone EventCategory = iota
	EventCategoryInfo
	EventCategoryWarning
	EventCategoryError
)

// EventType is the low bits of an event's flags field.
type EventType int

const (
	EventTypeIncoming EventType = iota
	EventTypeOutgoing
	EventTypeEvent
	EventTypeAcknowledge
	EventTypeReminder
	EventTypeInvalid
)

// Event is one entry from the inverter's event log (spec §3/§4.5/§6).
type Event struct {
	EntryID   uint32
	Datetime  time.Time
	SusyID    uint16
	Serial    uint32
	Code      uint32
	Flags     uint16
	Group     uint32
	Tag       uint32
	Counter   uint32
	Args      [16]byte
	Category  EventCategory
	Type      EventType
	UserGroup UserGroup
}

// Battery carries battery telemetry present only when HasBattery is set.
type Battery struct {
	SoC     float64 // %
	TempC   float64
	Voltage float64
	Current float64
}

// Inverter is the live and archived state of one physical device (spec §3).
type Inverter struct {
	// Identity
	SusyID      uint16
	Serial      uint32
	BTAddress   [6]byte
	IPAddress   string
	NetID       byte
	DeviceClass DeviceClass
	DeviceName  string
	DeviceType  string
	DeviceTypeTag uint32 // raw NameplateModel tag ID, resolved via the tag catalog
	SWVersion   string

	// Multigate membership: index into the roster of the parent
	// multigate, or -1 when this device is not an SB-240.
	MultigateID int

	// Live AC state
	Pac        [3]float64 // W, phases 1-3
	Uac        [3]float64 // V
	Iac        [3]float64 // A
	TotalPac   float64    // W
	GridFreqHz float64

	// Live DC state, keyed by tracker index starting at 1.
	MPPT map[int]*MPPT

	// Accumulators
	ETodayWh        uint64
	ETotalWh        uint64
	OperationTimeS  uint64
	FeedInTimeS     uint64
	DeviceStatus    uint32
	GridRelayStatus uint32
	TemperatureC    float64
	BTSignal        float64 // %

	HasBattery bool
	Battery    Battery

	MeteringTotWOut float64
	MeteringTotWIn  float64

	InverterDatetime time.Time
	WakeupTime       time.Time
	SleepTime        time.Time
	LastTimeSet      time.Time

	// Archive containers, fixed size by design (spec §3).
	DayData   [288]DayData
	MonthData [31]MonthData
	Events    []Event

	// MonthDataOffset corrects for inverters that report month-archive
	// records one day late; detected by DetectMonthDataOffset.
	MonthDataOffset time.Duration
}

// NewInverter returns a zero-value Inverter with its maps initialized.
func NewInverter() *Inverter {
	return &Inverter{
		MultigateID: -1,
		MPPT:        make(map[int]*MPPT),
	}
}

// Tracker returns the MPPT state for the given tracker index, creating
// it on first access.
func (inv *Inverter) Tracker(idx int) *MPPT {
	m, ok := inv.MPPT[idx]
	if !ok {
		m = &MPPT{}
		inv.MPPT[idx] = m
	}
	return m
}

// UserGroup selects the logon privilege level used for the password
// encoding and the ArchiveEvents command variant (spec §4.3/§4.4).
type UserGroup int

const (
	UserGroupUser UserGroup = 7
	UserGroupInstaller UserGroup = 10
)
