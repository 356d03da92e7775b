// Package tuyalan is a client for the Tuya LAN protocol (generations
// 3.1 through 3.5): connect to a device on the local network, query and
// set its data points, and discover devices broadcasting on the LAN.
package tuyalan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tuyalan/tuyalan-go/internal/blockcipher"
	"github.com/tuyalan/tuyalan-go/internal/catalog"
	"github.com/tuyalan/tuyalan-go/internal/session"
)

// supportedVersions is spec.md §3's closed set of protocol generations.
var supportedVersions = map[string]bool{
	"3.1": true,
	"3.3": true,
	"3.4": true,
	"3.5": true,
}

// Config describes one device handle: how to reach it, its local key,
// and the protocol dialect it speaks, per spec.md §3's "Device handle".
type Config struct {
	DeviceID string
	Address  string
	Port     int
	LocalKey string
	Version  string // "3.1", "3.3", "3.4", "3.5"

	// Profile selects a device-profile overlay in the command catalog
	// ("", catalog.ProfileDefault, catalog.ProfileDevice22, or
	// catalog.ProfileZigbee).
	Profile string

	// ClusterID is injected into the dps payload for zigbee sub-devices
	// under catalog.ProfileZigbee; nil for every other profile.
	ClusterID *int

	ConnectTimeout time.Duration
	RetryLimit     int
	RetryDelay     time.Duration
	NoDelay        bool
	Persistent     bool
	Logger         *slog.Logger
}

// Option mutates a Config built by NewConfig.
type Option func(*Config)

// WithPort overrides the default device port (6668).
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithProfile selects a device-profile catalog overlay.
func WithProfile(profile string) Option {
	return func(c *Config) { c.Profile = profile }
}

// WithClusterID sets the zigbee sub-device cluster id injected into
// control payloads under catalog.ProfileZigbee.
func WithClusterID(clusterID int) Option {
	return func(c *Config) { c.ClusterID = &clusterID }
}

// WithConnectTimeout overrides the default connect/read timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithRetry overrides the connect retry count and delay between
// attempts.
func WithRetry(limit int, delay time.Duration) Option {
	return func(c *Config) {
		c.RetryLimit = limit
		c.RetryDelay = delay
	}
}

// WithNoDelay enables TCP_NODELAY on the device socket.
func WithNoDelay() Option {
	return func(c *Config) { c.NoDelay = true }
}

// WithPersistent keeps the socket open across operations instead of
// closing it after every request, per spec.md §4.5.
func WithPersistent() Option {
	return func(c *Config) { c.Persistent = true }
}

// WithLogger attaches a structured logger; the default discards every
// log line.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// NewConfig builds a Config with spec.md §3's defaults (port 6668, a
// 5s connect timeout, 3 retries 1s apart) applied before opts run.
func NewConfig(deviceID, address, localKey, version string, opts ...Option) Config {
	c := Config{
		DeviceID:       deviceID,
		Address:        address,
		Port:           6668,
		LocalKey:       localKey,
		Version:        version,
		Profile:        catalog.ProfileDefault,
		ConnectTimeout: 5 * time.Second,
		RetryLimit:     3,
		RetryDelay:     1 * time.Second,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Validate rejects a Config a Device could never use, per spec.md §7
// category 1 ("configuration"). Every failure is a *ConfigurationError.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return &ConfigurationError{Field: "DeviceID", Reason: "must not be empty"}
	}
	if c.Address == "" {
		return &ConfigurationError{Field: "Address", Reason: "must not be empty"}
	}
	if !supportedVersions[c.Version] {
		return &ConfigurationError{Field: "Version", Reason: fmt.Sprintf("unsupported version %q", c.Version)}
	}
	if c.Version != "3.1" && len(c.LocalKey) < 16 {
		return &ConfigurationError{Field: "LocalKey", Reason: "must be at least 16 bytes for this version"}
	}
	if !catalog.IsKnownProfile(c.Profile) {
		return &ConfigurationError{Field: "Profile", Reason: fmt.Sprintf("unknown profile %q", c.Profile)}
	}
	return nil
}

// Device is a handle to one Tuya LAN device. It serializes its own
// operations and is safe for concurrent use.
type Device struct {
	cfg    Config
	engine *session.Engine
	mu     sync.Mutex
}

// NewDevice validates cfg and builds a Device ready to dial on first
// operation; it performs no I/O itself.
func NewDevice(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := session.New(session.Config{
		DeviceID:       cfg.DeviceID,
		Address:        cfg.Address,
		Port:           cfg.Port,
		LocalKey:       blockcipher.PrepareKey(cfg.LocalKey),
		Version:        cfg.Version,
		Profile:        cfg.Profile,
		ConnectTimeout: cfg.ConnectTimeout,
		RetryLimit:     cfg.RetryLimit,
		RetryDelay:     cfg.RetryDelay,
		NoDelay:        cfg.NoDelay,
		Persistent:     cfg.Persistent,
		Logger:         cfg.Logger,
	})

	return &Device{cfg: cfg, engine: engine}, nil
}

// Close tears down the device's socket, if one is open. It never fails,
// per spec.md §7.
func (d *Device) Close() error {
	return d.engine.Close()
}

// LastError returns the error from the most recent operation, or nil.
func (d *Device) LastError() error {
	return d.engine.LastError()
}

// ctxWithTimeout applies the device's connect timeout as an overall
// per-operation deadline when the caller hasn't already set one.
func (d *Device) ctxWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if d.cfg.ConnectTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.cfg.ConnectTimeout)
}
