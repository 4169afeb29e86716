package telemetry

import (
	"github.com/thiamsantos/redix/lib/logger"
)

// Hooks receives connection lifecycle events.
// Implementations must not block: hooks run on the connection goroutine.
type Hooks interface {
	// Disconnection fires when an established connection is lost
	Disconnection(addr string, reason error)
	// FailedConnection fires when a connection attempt does not reach
	// the connected state
	FailedConnection(addr string, reason error)
	// Reconnected fires when a connection is reestablished after at
	// least one backoff period
	Reconnected(addr string)
}

type logHooks struct{}

// DefaultHooks returns hooks that report through the shared logger
func DefaultHooks() Hooks {
	return logHooks{}
}

func (logHooks) Disconnection(addr string, reason error) {
	logger.WithField("addr", addr).Warn("disconnected: ", reason)
}

func (logHooks) FailedConnection(addr string, reason error) {
	logger.WithField("addr", addr).Warn("connection failed: ", reason)
}

func (logHooks) Reconnected(addr string) {
	logger.WithField("addr", addr).Info("reconnected")
}
