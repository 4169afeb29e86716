package config

import (
	"crypto/tls"
	"errors"
	"strconv"
	"time"

	"github.com/thiamsantos/redix/telemetry"
)

// NoBackoffCap disables the BackoffMax clamp, reconnect delays keep
// growing by the backoff factor forever
const NoBackoffCap = time.Duration(-1)

const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 6379
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
	defaultDialTimeout    = 5 * time.Second
)

// SentinelOptions selects the master address through a group of sentinels
// instead of a fixed host/port
type SentinelOptions struct {
	// Addrs are "host:port" of the sentinels, tried in order
	Addrs []string
	// MasterName is the monitored master group to resolve
	MasterName string
	// Password authenticates against the sentinels themselves
	Password string
}

// Options configures a single client connection
type Options struct {
	Host string
	Port int

	// Username is used together with Password for AUTH on redis 6 acl
	// setups, leave empty for legacy requirepass auth
	Username string
	Password string
	// DB is selected right after auth when non zero
	DB int

	// TLS enables a tls transport when non nil
	TLS *tls.Config

	// Sentinel, when set, resolves the address to connect to through
	// sentinels and takes precedence over Host/Port
	Sentinel *SentinelOptions

	// SyncConnect makes Start block until the first connection attempt
	// succeeds or fails
	SyncConnect bool
	// ExitOnDisconnection stops the client instead of reconnecting
	ExitOnDisconnection bool

	// BackoffInitial is the delay before the first reconnect attempt
	BackoffInitial time.Duration
	// BackoffMax clamps reconnect delays, NoBackoffCap removes the clamp
	BackoffMax time.Duration

	// DialTimeout bounds connect and handshake
	DialTimeout time.Duration

	// Telemetry receives lifecycle events, DefaultHooks when nil
	Telemetry telemetry.Hooks
}

// Validate fills defaults and rejects unusable combinations
func (opts *Options) Validate() error {
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return errors.New("config: port out of range: " + strconv.Itoa(opts.Port))
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = defaultBackoffInitial
	}
	if opts.BackoffInitial < 0 {
		return errors.New("config: negative backoff initial")
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.BackoffMax != NoBackoffCap && opts.BackoffMax < opts.BackoffInitial {
		return errors.New("config: backoff max below backoff initial")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Sentinel != nil {
		if len(opts.Sentinel.Addrs) == 0 {
			return errors.New("config: sentinel enabled without addresses")
		}
		if opts.Sentinel.MasterName == "" {
			return errors.New("config: sentinel enabled without master name")
		}
	}
	if opts.Username != "" && opts.Password == "" {
		return errors.New("config: username requires a password")
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.DefaultHooks()
	}
	return nil
}

// Addr returns the configured "host:port"
func (opts *Options) Addr() string {
	return opts.Host + ":" + strconv.Itoa(opts.Port)
}
