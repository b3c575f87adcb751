// Package config loads process configuration from the environment (or an
// env file), the way cmd/atlas in the wider example pack does: a tagged
// struct decoded by reflection, with defaults baked into the tag itself.
package config

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/relay"
)

// Config is the full process configuration. The env struct tag holds the
// environment variable name and, after "=", its default when the variable is
// unset. All string list fields are comma-separated.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket surface binds to.
	ListenAddr string `env:"SPINNPROXY_ADDR=:8080"`

	// AllowedOrigins restricts which Origin headers the WebSocket upgrade
	// will accept. Empty means same-origin-or-none only; see internal/origin.
	AllowedOrigins []string `env:"SPINNPROXY_ALLOWED_ORIGINS"`

	// LogLevel is the minimum level written to stderr.
	LogLevel zerolog.Level `env:"SPINNPROXY_LOG_LEVEL=info"`

	// LogPretty switches from JSON lines to zerolog's console writer, for
	// running the proxy at a terminal during development.
	LogPretty bool `env:"SPINNPROXY_LOG_PRETTY"`

	// ShutdownTimeout bounds how long graceful HTTP server shutdown waits for
	// in-flight requests before the process exits anyway. Upgraded WebSocket
	// connections are hijacked, so open relay sessions are not waited for.
	ShutdownTimeout time.Duration `env:"SPINNPROXY_SHUTDOWN_TIMEOUT=15s"`

	// MaxSessions bounds concurrent sessions process-wide. Zero is unbounded.
	MaxSessions int `env:"SPINNPROXY_MAX_SESSIONS"`

	// MaxChannelsPerSession bounds open Channels per Session.
	MaxChannelsPerSession int `env:"SPINNPROXY_MAX_CHANNELS_PER_SESSION=128"`

	// UDPReadBufferBytes sizes each Channel's receive buffer.
	UDPReadBufferBytes int `env:"SPINNPROXY_UDP_READ_BUFFER_BYTES=65535"`

	// UDPReceiveTimeout bounds each Channel's blocking UDP read, so Close()
	// returns promptly.
	UDPReceiveTimeout time.Duration `env:"SPINNPROXY_UDP_RECEIVE_TIMEOUT=1s"`

	// SendBufferBytes bounds a Session's outbound WebSocket byte queue.
	SendBufferBytes int `env:"SPINNPROXY_SEND_BUFFER_BYTES=524288"`

	// SendTimeLimit bounds a single outbound WebSocket write.
	SendTimeLimit time.Duration `env:"SPINNPROXY_SEND_TIME_LIMIT=10s"`

	// UnconnectedLocalIP is the local IPv4 address new unconnected sockets
	// bind to. Empty disables OPEN_UNCONNECTED (UnsupportedUnconnected).
	UnconnectedLocalIP string `env:"SPINNPROXY_UNCONNECTED_LOCAL_IP"`

	// LogChannelCounts turns on the diagnostic per-channel datagram counters
	// logged at close.
	LogChannelCounts bool `env:"SPINNPROXY_LOG_CHANNEL_COUNTS"`

	// JobBoardSourceURL is the base URL of the job-allocation service this
	// process queries for a job's board list (GET {url}/jobs/{id}/boards).
	// Empty disables the built-in HTTP-backed JobBoardSource; a deployment
	// embedding this package can supply its own implementation instead.
	JobBoardSourceURL string `env:"SPINNPROXY_JOB_BOARD_SOURCE_URL"`

	// JobBoardSourceTimeout bounds a single board-list lookup.
	JobBoardSourceTimeout time.Duration `env:"SPINNPROXY_JOB_BOARD_SOURCE_TIMEOUT=5s"`

	// JobBoardSourceAPIKey, if set, is sent as an X-API-Key header on board
	// lookups against JobBoardSourceURL.
	JobBoardSourceAPIKey string `env:"SPINNPROXY_JOB_BOARD_SOURCE_API_KEY"`
}

// RelayConfig projects the subset of Config that internal/relay needs, with
// its own defaults filling anything this Config leaves at zero.
func (c Config) RelayConfig() relay.Config {
	return relay.Config{
		MaxChannelsPerSession: c.MaxChannelsPerSession,
		UDPReadBufferBytes:    c.UDPReadBufferBytes,
		ReceiveTimeout:        c.UDPReceiveTimeout,
		SendBufferBytes:       c.SendBufferBytes,
		SendTimeLimit:         c.SendTimeLimit,
		UnconnectedLocalIP:    c.UnconnectedLocalIP,
		LogChannelCounts:      c.LogChannelCounts,
		MaxSessions:           c.MaxSessions,
	}.WithDefaults()
}

// UnmarshalEnv decodes es (a list of "KEY=VALUE" strings, as from os.Environ
// or an env file) into c, applying each field's tagged default when the
// corresponding key is absent.
func (c *Config) UnmarshalEnv(es []string) error {
	em := make(map[string]string, len(es))
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, f := range reflect.VisibleFields(cv.Type()) {
		tag, ok := f.Tag.Lookup("env")
		if !ok {
			continue
		}
		key, def, _ := strings.Cut(tag, "=")
		val := def
		if v, exists := em[key]; exists {
			val = v
		}

		field := cv.FieldByName(f.Name)
		if err := setField(field, val); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, val string) error {
	switch v := field.Interface().(type) {
	case string:
		field.SetString(val)
	case []string:
		if val == "" {
			field.Set(reflect.ValueOf([]string(nil)))
		} else {
			field.Set(reflect.ValueOf(strings.Split(val, ",")))
		}
	case int:
		if val == "" {
			field.SetInt(0)
			return nil
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %q as int: %w", val, err)
		}
		field.SetInt(n)
	case bool:
		if val == "" {
			field.SetBool(false)
			return nil
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parse %q as bool: %w", val, err)
		}
		field.SetBool(b)
	case time.Duration:
		if val == "" {
			field.Set(reflect.ValueOf(time.Duration(0)))
			return nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse %q as duration: %w", val, err)
		}
		field.Set(reflect.ValueOf(d))
	case zerolog.Level:
		lvl, err := zerolog.ParseLevel(val)
		if err != nil {
			return fmt.Errorf("parse %q as log level: %w", val, err)
		}
		field.Set(reflect.ValueOf(lvl))
	case netip.Addr:
		if val == "" {
			field.Set(reflect.ValueOf(netip.Addr{}))
			return nil
		}
		a, err := netip.ParseAddr(val)
		if err != nil {
			return fmt.Errorf("parse %q as address: %w", val, err)
		}
		field.Set(reflect.ValueOf(a))
	default:
		return fmt.Errorf("unhandled config field type %T", v)
	}
	return nil
}
