package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/georange"
	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport"
	"github.com/jpalmerr/georange/transport/rtu"
	"github.com/jpalmerr/georange/transport/sim"
	"github.com/jpalmerr/georange/transport/uart"
)

// BuildOptions converts parsed configuration into SDK options.
//
// The transport and the Redis client are not included: both hold resources
// the caller must close. See [BuildTransport] and [NewRedisClient].
func BuildOptions(cfg *Config, logger *slog.Logger) ([]georange.Option, error) {
	validity, err := geo.ParseValidity(cfg.Validity)
	if err != nil {
		return nil, fmt.Errorf("validity: %w", err)
	}

	opts := []georange.Option{
		georange.WithSampleInterval(cfg.SampleInterval.Duration()),
		georange.WithValidity(validity),
		georange.WithDefaultTxPower(cfg.DefaultTxPower),
		georange.WithOutputFile(cfg.Output.File),
		georange.WithNoteRows(cfg.Output.Notes),
		georange.WithPort(cfg.HTTP.Port),
	}

	if cfg.ResponseTimeout != 0 {
		opts = append(opts, georange.WithResponseTimeout(cfg.ResponseTimeout.Duration()))
	}
	if cfg.PenaltyDelay != nil {
		opts = append(opts, georange.WithPenaltyDelay(cfg.PenaltyDelay.Duration()))
	}
	if cfg.PacingDelay != nil {
		opts = append(opts, georange.WithPacingDelay(cfg.PacingDelay.Duration()))
	}
	if cfg.Targets.Primary != 0 {
		opts = append(opts, georange.WithPrimary(transport.NodeID(cfg.Targets.Primary)))
	}
	if len(cfg.Targets.Exclude) > 0 {
		excluded := make([]transport.NodeID, 0, len(cfg.Targets.Exclude))
		for _, id := range cfg.Targets.Exclude {
			excluded = append(excluded, transport.NodeID(id))
		}
		opts = append(opts, georange.WithExcluded(excluded...))
	}
	if logger != nil {
		opts = append(opts, georange.WithLogger(logger))
	}

	return opts, nil
}

// NewRedisClient returns a client for the configured Redis mirror, or nil
// when redis.addr is empty. The caller closes it.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// BuildTransport opens the link selected by transport.kind.
func BuildTransport(ctx context.Context, cfg *Config, logger *slog.Logger) (transport.Transport, error) {
	tc := cfg.Transport

	switch tc.Kind {
	case KindSim, "":
		return sim.Demo(sim.DemoConfig{
			Origin:      geo.Point{Latitude: tc.Sim.Origin.Latitude, Longitude: tc.Sim.Origin.Longitude},
			Step:        tc.Sim.Step,
			Secondaries: tc.Sim.Secondaries,
			NackRate:    tc.Sim.NackRate,
			DropRate:    tc.Sim.DropRate,
			Latency:     tc.Sim.Latency.Duration(),
			Powerlevel:  tc.Sim.Powerlevel,
			Seed:        tc.Sim.Seed,
		}), nil

	case KindUART:
		gw, err := uart.Open(ctx, uart.Config{
			Port:           tc.UART.Port,
			BaudRate:       tc.UART.BaudRate,
			ReadTimeout:    tc.UART.ReadTimeout.Duration(),
			CommandTimeout: tc.UART.CommandTimeout.Duration(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return gw, nil

	case KindModbus:
		bus, err := rtu.Open(modbusConfig(tc.Modbus))
		if err != nil {
			return nil, err
		}
		return bus, nil
	}

	return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
}

func modbusConfig(m ModbusConfig) rtu.Config {
	slaves := make([]rtu.Slave, 0, len(m.Slaves))
	for _, s := range m.Slaves {
		slaves = append(slaves, rtu.Slave{ID: s.ID, Geolocation: s.Geolocation})
	}
	return rtu.Config{
		Port:             m.Port,
		BaudRate:         m.BaudRate,
		DataBits:         m.DataBits,
		Parity:           m.Parity,
		StopBits:         m.StopBits,
		Timeout:          m.Timeout.Duration(),
		Slaves:           slaves,
		GeoRegister:      m.GeoRegister,
		MetadataRegister: m.MetadataRegister,
		MetadataCount:    m.MetadataCount,
	}
}
