package relay

import "time"

// Config holds the per-session knobs a Session and its Channels are built
// with.
type Config struct {
	// MaxChannelsPerSession bounds how many Channels one Session may have open
	// concurrently. Without a bound a misbehaving client could exhaust file
	// descriptors/UDP ports; exceeding it fails OPEN with an ERROR reply
	// rather than a session close.
	MaxChannelsPerSession int

	// UDPReadBufferBytes sizes the per-Channel receive buffer.
	UDPReadBufferBytes int

	// ReceiveTimeout bounds each UDP receive call so Close() is prompt without
	// extra signaling.
	ReceiveTimeout time.Duration

	// SendBufferBytes bounds the WebSocket Sender's outbound byte queue
	// (default 512 KiB).
	SendBufferBytes int

	// SendTimeLimit bounds a single outbound WebSocket write (default 10s).
	SendTimeLimit time.Duration

	// UnconnectedLocalIP is the local IP new unconnected sockets are bound to.
	// When empty, OPEN_UNCONNECTED is rejected with UnsupportedUnconnected.
	UnconnectedLocalIP string

	// LogChannelCounts enables the optional diagnostic "write counts on
	// close" logging. Purely observational; never affects the wire protocol.
	LogChannelCounts bool

	// MaxSessions bounds how many concurrent job sessions one process will
	// accept. Zero means unbounded.
	MaxSessions int
}

const (
	DefaultMaxChannelsPerSession = 128
	DefaultUDPReadBufferBytes    = 65535
	DefaultReceiveTimeout        = 1 * time.Second
	DefaultSendBufferBytes       = 512 << 10 // 512 KiB
	DefaultSendTimeLimit         = 10 * time.Second
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxChannelsPerSession: DefaultMaxChannelsPerSession,
		UDPReadBufferBytes:    DefaultUDPReadBufferBytes,
		ReceiveTimeout:        DefaultReceiveTimeout,
		SendBufferBytes:       DefaultSendBufferBytes,
		SendTimeLimit:         DefaultSendTimeLimit,
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with the
// documented defaults. UnconnectedLocalIP and LogChannelCounts are left as
// given since their zero values ("" and false) are meaningful.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxChannelsPerSession <= 0 {
		c.MaxChannelsPerSession = d.MaxChannelsPerSession
	}
	if c.UDPReadBufferBytes <= 0 {
		c.UDPReadBufferBytes = d.UDPReadBufferBytes
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.SendBufferBytes <= 0 {
		c.SendBufferBytes = d.SendBufferBytes
	}
	if c.SendTimeLimit <= 0 {
		c.SendTimeLimit = d.SendTimeLimit
	}
	return c
}
