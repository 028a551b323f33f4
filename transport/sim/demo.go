package sim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jpalmerr/georange/geo"
	"github.com/jpalmerr/georange/transport"
)

// DemoConfig describes a generated network: a controller at node 1, a
// GNSS-equipped primary at node 2 and Secondaries plain nodes after it.
type DemoConfig struct {
	// Origin is where the primary starts.
	Origin geo.Point

	// Step is how far the primary moves east per fix, in metres.
	Step float64

	// Secondaries is the number of metadata-only nodes.
	Secondaries int

	// NackRate and DropRate are per-command failure probabilities.
	NackRate float64
	DropRate float64

	// Latency delays every report frame.
	Latency time.Duration

	// Powerlevel is the controller transmit power in dBm.
	Powerlevel int

	// Seed makes a run reproducible.
	Seed uint64
}

// Demo builds a network from cfg.
func Demo(cfg DemoConfig) *Network {
	rng := &lockedRand{r: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15))}

	nodes := []Node{
		{ID: 1, Controller: true},
		{
			ID:      2,
			Classes: []transport.CommandClass{transport.ClassGeographicLocation, transport.ClassFirmwareMetadata},
			Handler: flaky(cfg, rng, walk(cfg, rng)),
		},
	}

	for i := 0; i < cfg.Secondaries; i++ {
		nodes = append(nodes, Node{
			ID:      transport.NodeID(3 + i),
			Classes: []transport.CommandClass{transport.ClassFirmwareMetadata},
			Handler: flaky(cfg, rng, func(transport.Command) Reply {
				return MetadataReply(transport.TxReport{
					TxPower: transport.Measured(cfg.Powerlevel),
					RSSI:    transport.Measured(-60 - rng.IntN(35)),
				})
			}),
		})
	}

	n := New(nodes...)
	n.SetPowerlevel(cfg.Powerlevel)
	return n
}

// walk moves eastwards by cfg.Step metres on every geolocation Get. One fix
// in ten reports too few satellites.
func walk(cfg DemoConfig, rng *lockedRand) Handler {
	var mu sync.Mutex
	pos := cfg.Origin
	stepDeg := cfg.Step / geo.MetersPerDegree

	return func(transport.Command) Reply {
		mu.Lock()
		defer mu.Unlock()

		sats := 5 + rng.IntN(8)
		if rng.IntN(10) == 0 {
			sats = rng.IntN(geo.DefaultMinSatellites)
		}

		f := geo.Fix{
			Latitude:   pos.Latitude + (rng.Float64()-0.5)*stepDeg/10,
			Longitude:  pos.Longitude,
			Altitude:   math.Round((30+rng.Float64()*2)*100) / 100,
			Satellites: sats,
			FixFlags:   geo.FixFlagsMask,
		}
		pos.Longitude += stepDeg

		r := FixReply(f)
		r.Report = transport.TxReport{
			TxPower: transport.Measured(cfg.Powerlevel),
			RSSI:    transport.Measured(-55 - rng.IntN(40)),
		}
		return r
	}
}

func flaky(cfg DemoConfig, rng *lockedRand, next Handler) Handler {
	return func(cmd transport.Command) Reply {
		p := rng.Float64()
		switch {
		case p < cfg.NackRate:
			return Reply{Kind: Nack}
		case p < cfg.NackRate+cfg.DropRate:
			// a lost frame still reports the transmission
			return Reply{Kind: Drop, Report: transport.TxReport{TxPower: transport.Measured(cfg.Powerlevel)}}
		}
		r := next(cmd)
		r.Delay = cfg.Latency
		return r
	}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
