// Command sbfspotd polls one or more SMA inverters over Bluetooth or
// Speedwire and publishes decoded telemetry to the configured sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sbfspot-go/sbfspot/internal/config"
	"github.com/sbfspot-go/sbfspot/internal/sbferr"
	"github.com/sbfspot-go/sbfspot/internal/sink"
	sinkmqtt "github.com/sbfspot-go/sbfspot/internal/sink/mqtt"
	"github.com/sbfspot-go/sbfspot/internal/sma"
)

func main() {
	configPath := flag.String("config", "sbfspotd.yaml", "path to the YAML configuration file")
	settime := flag.Bool("settime", false, "bypass the time-sync guard window and force a time write")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(int(-sbferr.Init))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sinks []sink.Sink
	if cfg.MQTT.Broker != "" {
		m, err := sinkmqtt.New(cfg.MQTT)
		if err != nil {
			logger.Error("failed to connect mqtt sink", "err", err)
			os.Exit(int(-sbferr.Init))
		}
		sinks = append(sinks, m)
		defer m.Close()
	}

	d := &daemon{cfg: cfg, log: logger, sinks: sinks}
	if err := d.run(ctx, *settime); err != nil {
		logger.Error("daemon exited", "err", err)
		os.Exit(1)
	}
}

type daemon struct {
	cfg   *config.LoadedConfig
	log   *slog.Logger
	sinks []sink.Sink

	cycleCount int
}

// slowPollEvery controls how often the archive-month and event-log
// queries run relative to the live-data poll interval: both change at
// most once a day, so polling them every cycle would be wasted traffic
// (spec §4.4 ArchiveMonthData, ArchiveEventData).
const slowPollEvery = 12

// run loops until ctx is cancelled, one polling cycle per configured
// interval; a cycle whose link cannot be opened first waits
// backoffReconnect's fixed delay.
func (d *daemon) run(ctx context.Context, settime bool) error {
	ticker := time.NewTicker(d.cfg.Interval())
	defer ticker.Stop()

	for {
		if err := d.cycle(ctx, settime); err != nil {
			d.log.Error("polling cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle runs one poll. Bluetooth inverters share a single RFCOMM
// channel and are queried strictly sequentially (spec §5 "Scheduling
// model"); Speedwire inverters each own a unicast UDP socket, so a
// multi-IP configuration polls them concurrently, one goroutine per
// IP with its own Session, Link and packet-ID counter, merging only
// once every goroutine returns (spec §5 "Shared-resource policy").
func (d *daemon) cycle(ctx context.Context, settime bool) error {
	link, err := d.dial()
	if err != nil {
		return d.backoffReconnect(ctx, err)
	}
	defer link.Close()

	sess := sma.NewSession(link, rand.Uint32(), d.log)

	group := sma.UserGroupUser
	if d.cfg.UserGroup == "installer" {
		group = sma.UserGroupInstaller
	}

	pollSlow := d.cycleCount%slowPollEvery == 0
	d.cycleCount++

	if err := d.discover(ctx, sess); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	sma.ResolveMultigates(sess.Roster)

	if sess.Transport == sma.TransportSpeedwire && len(sess.Roster) > 1 {
		d.pollSpeedwireParallel(ctx, sess.Roster, group, pollSlow)
		return nil
	}

	for _, inv := range sess.Roster {
		if err := sess.Logon(ctx, inv, group, d.cfg.Password); err != nil {
			d.log.Error("logon failed", "device", inv.DeviceName, "err", err)
			fmt.Fprintf(os.Stderr, "Logon failed. Check '%s' Password\n", d.cfg.UserGroup)
			continue
		}
		d.pollInverter(ctx, sess, inv, settime, group, pollSlow)

		if err := sess.Logoff(ctx, inv); err != nil {
			d.log.Warn("logoff failed", "device", inv.DeviceName, "err", err)
		}
	}

	return nil
}

// pollSpeedwireParallel queries each Speedwire inverter on its own
// goroutine, session and socket, then publishes every result
// sequentially once all goroutines have finished (sinks such as the
// MQTT client are not guaranteed safe for concurrent publish).
func (d *daemon) pollSpeedwireParallel(ctx context.Context, roster []*sma.Inverter, group sma.UserGroup, pollSlow bool) {
	g, gctx := errgroup.WithContext(ctx)
	for _, inv := range roster {
		inv := inv
		g.Go(func() error {
			addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(inv.IPAddress, fmt.Sprintf("%d", d.cfg.Ethernet.Port)))
			if err != nil {
				return fmt.Errorf("resolve %s: %w", inv.IPAddress, err)
			}
			link, err := sma.DialSpeedwire(addr)
			if err != nil {
				return fmt.Errorf("dial %s: %w", inv.IPAddress, err)
			}
			defer link.Close()

			sess := sma.NewSession(link, rand.Uint32(), d.log)
			if err := sess.Logon(gctx, inv, group, d.cfg.Password); err != nil {
				d.log.Error("logon failed", "device", inv.IPAddress, "err", err)
				return nil
			}
			d.pollInverterQueries(gctx, sess, inv, group, pollSlow)
			return sess.Logoff(gctx, inv)
		})
	}
	if err := g.Wait(); err != nil {
		d.log.Warn("parallel speedwire poll had failures", "err", err)
	}
	for _, inv := range roster {
		d.publish(inv)
	}
}

// pollInverterQueries runs the live and archive-day queries shared by
// both the sequential and parallel polling paths. When pollSlow is set
// it also runs the archive-month and event-log queries, which change
// at most once a day and so are skipped on most cycles (spec §4.4
// ArchiveMonthData, ArchiveEventData).
func (d *daemon) pollInverterQueries(ctx context.Context, sess *sma.Session, inv *sma.Inverter, group sma.UserGroup, pollSlow bool) {
	queries := []sma.QueryName{
		sma.QueryTypeLabel, sma.QuerySoftwareVersion,
		sma.QuerySpotACTotalPower, sma.QuerySpotACPower, sma.QuerySpotACVoltageCurrent,
		sma.QuerySpotGridFrequency, sma.QuerySpotDCPower, sma.QuerySpotDCVoltageCurrent,
		sma.QueryEnergyProduction, sma.QueryOperationTime,
		sma.QueryDeviceStatus, sma.QueryGridRelayStatus, sma.QueryInverterTemperature,
		sma.QueryBatteryChargeStatus, sma.QueryBatteryInfo, sma.QueryMeteringGridMsTotW,
	}
	for _, q := range queries {
		if err := sess.QueryLive(ctx, inv, q); err != nil {
			d.log.Warn("live query failed", "device", inv.DeviceName, "query", q, "err", err)
		}
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	if err := sess.QueryArchiveDay(ctx, inv, dayStart, time.Local); err != nil {
		d.log.Warn("archive day query failed", "device", inv.DeviceName, "err", err)
	}

	if !pollSlow {
		return
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.Local)
	if err := sess.QueryArchiveMonth(ctx, inv, monthStart, time.Local); err != nil {
		d.log.Warn("archive month query failed", "device", inv.DeviceName, "err", err)
	}

	before := len(inv.Events)
	window := sma.ArchiveWindow{Start: now.Add(-24 * time.Hour), End: now}
	if err := sess.QueryArchiveEvents(ctx, inv, window, group); err != nil {
		// Reaching the oldest event is the query's normal end-of-log
		// signal (spec §4.4/§8 property 8), not a failure.
		if sbErr, ok := err.(*sbferr.Error); !ok || sbErr.Code != sbferr.EOF {
			d.log.Warn("archive events query failed", "device", inv.DeviceName, "err", err)
		}
	}
	if newEvents := inv.Events[before:]; len(newEvents) > 0 {
		for _, s := range d.sinks {
			if err := s.PublishEvents(inv, newEvents); err != nil {
				d.log.Warn("publish events failed", "device", inv.DeviceName, "err", err)
			}
		}
	}
}

func (d *daemon) pollInverter(ctx context.Context, sess *sma.Session, inv *sma.Inverter, settime bool, group sma.UserGroup, pollSlow bool) {
	d.pollInverterQueries(ctx, sess, inv, group, pollSlow)

	if sess.Transport == sma.TransportBluetooth {
		now := time.Now()
		lowLimit := time.Duration(d.cfg.TimeSync.LowLimitSeconds) * time.Second
		highLimit := time.Duration(d.cfg.TimeSync.HighLimitSeconds) * time.Second
		nDays := d.cfg.TimeSync.NotWithinDays
		if settime {
			lowLimit, highLimit, nDays = 0, 0, 0
		}
		if state, err := sess.ReadTime(ctx, inv); err == nil {
			if err := sess.WriteTime(ctx, inv, state, lowLimit, highLimit, nDays, now); err != nil {
				d.log.Warn("time sync failed", "device", inv.DeviceName, "err", err)
			}
		}
	}

	d.publish(inv)
}

// publish sends inv's live snapshot to every configured sink.
func (d *daemon) publish(inv *sma.Inverter) {
	for _, s := range d.sinks {
		if err := s.PublishLive(inv); err != nil {
			d.log.Warn("publish failed", "device", inv.DeviceName, "err", err)
		}
	}
}

func (d *daemon) discover(ctx context.Context, sess *sma.Session) error {
	if sess.Transport == sma.TransportBluetooth {
		return sess.DiscoverBluetooth(ctx)
	}
	return sess.DiscoverSpeedwire(ctx, d.cfg.EthernetIPs())
}

func (d *daemon) dial() (sma.Link, error) {
	switch d.cfg.Connection {
	case config.ConnectionBluetooth:
		mac, err := net.ParseMAC(d.cfg.Bluetooth.MAC)
		if err != nil {
			return nil, fmt.Errorf("invalid bluetooth MAC %q: %w", d.cfg.Bluetooth.MAC, err)
		}
		var addr [6]byte
		copy(addr[:], mac)
		return sma.DialBluetooth(addr)
	case config.ConnectionEthernet:
		ips := d.cfg.EthernetIPs()
		if len(ips) == 0 {
			iface, err := primaryInterface()
			if err != nil {
				return nil, err
			}
			return sma.ListenSpeedwireMulticast(iface)
		}
		addr := &net.UDPAddr{IP: ips[0], Port: d.cfg.Ethernet.Port}
		return sma.DialSpeedwire(addr)
	default:
		return nil, fmt.Errorf("unsupported connection type %q", d.cfg.Connection)
	}
}

func primaryInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagMulticast != 0 && ifaces[i].Flags&net.FlagUp != 0 {
			return &ifaces[i], nil
		}
	}
	return nil, fmt.Errorf("no multicast-capable interface found")
}

// backoffReconnect waits a fixed 5 s (or until ctx is cancelled) after
// a failed dial and always returns nil; the delay does not grow between
// attempts.
func (d *daemon) backoffReconnect(ctx context.Context, cause error) error {
	delay := 5 * time.Second
	d.log.Warn("link unavailable, backing off", "delay", delay, "err", cause)
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(delay):
		return nil
	}
}
