package config

import (
	"os"
	"strings"
	"time"
)

const (
	TerminalTypeMain      = "main"
	TerminalTypeSatellite = "satellite"
)

// Terminal holds the identity and pairing inputs supplied by the pairing
// component. The engine treats these as read-only; an empty TerminalId or
// BackendURL means the terminal is not paired yet and network operations are
// skipped.
type Terminal struct {
	TerminalId   string
	TerminalType string
	BackendURL   string
	APIKey       string

	// Satellite terminals may have a designated parent on the local network.
	ParentTerminalId string
	ParentURL        string

	// A main terminal aggregates satellite reports at day close.
	SatelliteURLs []string

	DrainInterval     time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	ProbeTimeout      time.Duration
}

// LoadTerminal reads the terminal configuration from the environment.
// Missing values never fail: onboarding runs with an unpaired config.
func LoadTerminal() Terminal {
	t := Terminal{
		TerminalId:       strings.TrimSpace(os.Getenv("TERMINAL_ID")),
		TerminalType:     strings.ToLower(strings.TrimSpace(os.Getenv("TERMINAL_TYPE"))),
		BackendURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("BACKEND_BASE_URL")), "/"),
		APIKey:           strings.TrimSpace(os.Getenv("TERMINAL_API_KEY")),
		ParentTerminalId: strings.TrimSpace(os.Getenv("PARENT_TERMINAL_ID")),
		ParentURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("PARENT_TERMINAL_URL")), "/"),
	}
	if t.TerminalType != TerminalTypeSatellite {
		t.TerminalType = TerminalTypeMain
	}
	for _, u := range strings.Split(os.Getenv("SATELLITE_TERMINAL_URLS"), ",") {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			t.SatelliteURLs = append(t.SatelliteURLs, u)
		}
	}

	t.DrainInterval = time.Duration(intFromEnv("SYNC_DRAIN_INTERVAL_SECONDS", 30)) * time.Second
	t.HeartbeatInterval = time.Duration(intFromEnv("HEARTBEAT_INTERVAL_SECONDS", 15)) * time.Second
	t.RequestTimeout = time.Duration(intFromEnv("SYNC_REQUEST_TIMEOUT_SECONDS", 20)) * time.Second
	t.ProbeTimeout = time.Duration(intFromEnv("PARENT_PROBE_TIMEOUT_SECONDS", 3)) * time.Second
	return t
}

func (t Terminal) Paired() bool {
	return t.TerminalId != "" && t.BackendURL != "" && t.APIKey != ""
}

func (t Terminal) IsMain() bool {
	return t.TerminalType == TerminalTypeMain
}
