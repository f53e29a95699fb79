// Package sink defines the interface decoded telemetry and events are
// published through once a polling cycle completes. CSV, SQL and
// PVOutput/weather uploaders are out of scope for this core (spec §1);
// MQTT is kept as the one concrete external-facing adapter since the
// teacher repo already carries that dependency.
package sink

import "github.com/sbfspot-go/sbfspot/internal/sma"

// Sink receives one inverter's state once that inverter's live and
// archive queries for the cycle have run. The *sma.Inverter passed in
// is the session's own record, not a copy.
type Sink interface {
	PublishLive(inv *sma.Inverter) error
	PublishEvents(inv *sma.Inverter, events []sma.Event) error
	Close() error
}
