package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaultsIntervalAndLocale(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
connection: bluetooth
bluetooth:
  mac: "00:80:25:00:00:01"
password: "0000"
`))
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.Interval())
	require.Equal(t, "EN-US", cfg.Locale)
}

func TestParseConfigParsesExplicitInterval(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
connection: ethernet
interval: 90s
ethernet:
  ips: ["192.168.1.10", "192.168.1.11"]
  port: 9522
`))
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Interval())
	require.Len(t, cfg.EthernetIPs(), 2)
	require.Equal(t, "192.168.1.10", cfg.EthernetIPs()[0].String())
}

func TestParseConfigRejectsMissingConnection(t *testing.T) {
	_, err := ParseConfig([]byte(`password: "0000"`))
	require.Error(t, err)
}

func TestParseConfigRejectsInvalidEthernetIP(t *testing.T) {
	_, err := ParseConfig([]byte(`
connection: ethernet
ethernet:
  ips: ["not-an-ip"]
`))
	require.Error(t, err)
}

func TestParseConfigRejectsUnparseableInterval(t *testing.T) {
	_, err := ParseConfig([]byte(`
connection: bluetooth
interval: "not-a-duration"
`))
	require.Error(t, err)
}
