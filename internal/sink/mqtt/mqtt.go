// Package mqtt publishes decoded inverter state to an MQTT broker,
// adapted from the teacher's broker setup in main.go/agent.go.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sbfspot-go/sbfspot/internal/config"
	"github.com/sbfspot-go/sbfspot/internal/sma"
)

// Sink publishes one JSON document per inverter per cycle under
// "<prefix>/<serial>/live", and one per event under
// "<prefix>/<serial>/events".
type Sink struct {
	client paho.Client
	prefix string
}

// liveMessage is the JSON document published to the "live" topic.
type liveMessage struct {
	DeviceName  string  `json:"device_name"`
	DeviceType  string  `json:"device_type"`
	SWVersion   string  `json:"sw_version"`
	TotalPacW   float64 `json:"total_pac_w"`
	GridFreqHz  float64 `json:"grid_freq_hz"`
	ETodayWh    uint64  `json:"e_today_wh"`
	ETotalWh    uint64  `json:"e_total_wh"`
	TempC       float64 `json:"temperature_c"`
	DeviceStat  uint32  `json:"device_status"`
	HasBattery  bool    `json:"has_battery"`
	BatterySoC  float64 `json:"battery_soc,omitempty"`
}

// eventMessage is the JSON document published per event record.
type eventMessage struct {
	EntryID  uint32    `json:"entry_id"`
	Datetime time.Time `json:"datetime"`
	Code     uint32    `json:"event_code"`
	Category int       `json:"category"`
	Type     int       `json:"type"`
}

// New connects to the configured broker and returns a ready Sink.
func New(cfg config.MQTTConfig) (*Sink, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, token.Error())
	}
	return &Sink{client: client, prefix: cfg.TopicPrefix}, nil
}

// PublishLive publishes inv's current live telemetry snapshot.
func (s *Sink) PublishLive(inv *sma.Inverter) error {
	msg := liveMessage{
		DeviceName: inv.DeviceName,
		DeviceType: inv.DeviceType,
		SWVersion:  inv.SWVersion,
		TotalPacW:  inv.TotalPac,
		GridFreqHz: inv.GridFreqHz,
		ETodayWh:   inv.ETodayWh,
		ETotalWh:   inv.ETotalWh,
		TempC:      inv.TemperatureC,
		DeviceStat: inv.DeviceStatus,
		HasBattery: inv.HasBattery,
	}
	if inv.HasBattery {
		msg.BatterySoC = inv.Battery.SoC
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt: marshal live message: %w", err)
	}
	topic := fmt.Sprintf("%s/%d/live", s.prefix, inv.Serial)
	return s.publish(topic, payload)
}

// PublishEvents publishes each of inv's new event records individually.
func (s *Sink) PublishEvents(inv *sma.Inverter, events []sma.Event) error {
	topic := fmt.Sprintf("%s/%d/events", s.prefix, inv.Serial)
	for _, ev := range events {
		payload, err := json.Marshal(eventMessage{
			EntryID:  ev.EntryID,
			Datetime: ev.Datetime,
			Code:     ev.Code,
			Category: int(ev.Category),
			Type:     int(ev.Type),
		})
		if err != nil {
			return fmt.Errorf("mqtt: marshal event message: %w", err)
		}
		if err := s.publish(topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() error {
	s.client.Disconnect(250)
	return nil
}
