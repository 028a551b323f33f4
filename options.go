package georange

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport"
)

// rtConfig holds mutable state during RangeTest construction.
type rtConfig struct {
	transport       transport.Transport
	sampleInterval  time.Duration
	responseTimeout time.Duration
	penaltyDelay    *time.Duration
	pacingDelay     *time.Duration
	validity        geo.Validity
	defaultTxPower  int
	outputFile      string
	noteRows        bool
	primary         transport.NodeID
	excluded        []transport.NodeID
	port            int
	redis           *redis.Client
	redisPrefix     string
	registry        prometheus.Registerer
	logger          *slog.Logger
	callbacks       []func(PollResult)
}

// Option configures a [RangeTest] during construction. Options return an
// error if validation fails.
type Option func(*rtConfig) error

// WithTransport sets the link used for discovery and polling. Required.
// The RangeTest owns the transport and closes it when Start returns.
func WithTransport(t transport.Transport) Option {
	return func(cfg *rtConfig) error {
		if t == nil {
			return errors.New("transport cannot be nil")
		}
		cfg.transport = t
		return nil
	}
}

// WithSampleInterval sets the nominal time between primary fixes. The
// penalty and pacing delays default to a quarter of it.
//
// Returns an error unless 1s <= d <= 100s.
func WithSampleInterval(d time.Duration) Option {
	return func(cfg *rtConfig) error {
		if d < MinSampleInterval || d > MaxSampleInterval {
			return fmt.Errorf("sample interval must be between %s and %s, got %s", MinSampleInterval, MaxSampleInterval, d)
		}
		cfg.sampleInterval = d
		return nil
	}
}

// WithResponseTimeout sets how long each exchange waits for its report.
// Defaults to 5 seconds.
func WithResponseTimeout(d time.Duration) Option {
	return func(cfg *rtConfig) error {
		if d <= 0 {
			return errors.New("response timeout must be positive")
		}
		cfg.responseTimeout = d
		return nil
	}
}

// WithPenaltyDelay sets the wait after a primary exchange that yielded no
// valid fix.
func WithPenaltyDelay(d time.Duration) Option {
	return func(cfg *rtConfig) error {
		if d < 0 {
			return errors.New("penalty delay cannot be negative")
		}
		cfg.penaltyDelay = &d
		return nil
	}
}

// WithPacingDelay sets the wait after a logged primary fix and after every
// secondary exchange.
func WithPacingDelay(d time.Duration) Option {
	return func(cfg *rtConfig) error {
		if d < 0 {
			return errors.New("pacing delay cannot be negative")
		}
		cfg.pacingDelay = &d
		return nil
	}
}

// WithValidity sets the policy deciding which fixes are logged. Defaults to
// at least 4 satellites. See [geo.ParseValidity] for the config shorthand.
func WithValidity(v geo.Validity) Option {
	return func(cfg *rtConfig) error {
		if v == nil {
			return errors.New("validity cannot be nil")
		}
		cfg.validity = v
		return nil
	}
}

// WithDefaultTxPower sets the transmit power reported until the link
// reports one, used when the transport cannot report the controller
// powerlevel. Defaults to 0.
func WithDefaultTxPower(dBm int) Option {
	return func(cfg *rtConfig) error {
		cfg.defaultTxPower = dBm
		return nil
	}
}

// WithOutputFile sets the telemetry log path. Defaults to "geoloc.csv".
func WithOutputFile(path string) Option {
	return func(cfg *rtConfig) error {
		if path == "" {
			return errors.New("output file cannot be empty")
		}
		cfg.outputFile = path
		return nil
	}
}

// WithNoteRows enables "# "-prefixed note lines in the telemetry log.
// Notes are always logged through the logger.
func WithNoteRows(enabled bool) Option {
	return func(cfg *rtConfig) error {
		cfg.noteRows = enabled
		return nil
	}
}

// WithPrimary pins the geolocation target instead of picking the first
// capable one.
func WithPrimary(node transport.NodeID) Option {
	return func(cfg *rtConfig) error {
		cfg.primary = node
		return nil
	}
}

// WithExcluded removes nodes from polling.
func WithExcluded(nodes ...transport.NodeID) Option {
	return func(cfg *rtConfig) error {
		cfg.excluded = append(cfg.excluded, nodes...)
		return nil
	}
}

// WithPort enables the HTTP status server on port. 0 disables it.
func WithPort(port int) Option {
	return func(cfg *rtConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port must be between 0 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithRedis mirrors the latest status of every target to Redis under
// prefix. An empty prefix selects "georange".
func WithRedis(client *redis.Client, prefix string) Option {
	return func(cfg *rtConfig) error {
		if client == nil {
			return errors.New("redis client cannot be nil")
		}
		cfg.redis = client
		cfg.redisPrefix = prefix
		return nil
	}
}

// WithMetricsRegistry registers the Prometheus collectors with reg instead
// of a private registry.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(cfg *rtConfig) error {
		if reg == nil {
			return errors.New("metrics registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *rtConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithResultCallback registers a function called for every finished
// exchange, after the status store is updated.
//
// Callbacks run synchronously on one goroutine in registration order and
// must not block. Panics are recovered and logged. Nil callbacks are
// ignored.
func WithResultCallback(cb func(PollResult)) Option {
	return func(cfg *rtConfig) error {
		if cb == nil {
			return nil
		}
		cfg.callbacks = append(cfg.callbacks, cb)
		return nil
	}
}
