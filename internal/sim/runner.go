package sim

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	eb "meshnet/internal/eventBus"
	"meshnet/internal/metrics"
	"meshnet/internal/network"
	"meshnet/internal/node"
)

// Runner builds the mesh a scenario describes and drives it: beacon
// waves, address assignment, then downward command traffic.
type Runner struct {
	sc   *Scenario
	bus  *eb.EventBus
	net  *network.Network
	coll *metrics.Collector

	rng   *rand.Rand
	base  *Base
	nodes map[string]*node.Node

	quit chan struct{}
}

func NewRunner(sc *Scenario, bus *eb.EventBus, net *network.Network, coll *metrics.Collector) *Runner {
	return &Runner{
		sc:    sc,
		bus:   bus,
		net:   net,
		coll:  coll,
		rng:   rand.New(rand.NewSource(sc.Seed)),
		nodes: make(map[string]*node.Node),
		quit:  make(chan struct{}),
	}
}

// Base exposes the scripted base, for the server surfaces.
func (r *Runner) Base() *Base {
	return r.base
}

// Nodes exposes the device nodes by name, for the server surfaces.
func (r *Runner) Nodes() map[string]*node.Node {
	return r.nodes
}

// Build attaches the base and every device from the scenario. Run calls it
// itself; callers that drive the runner step by step with RunWave (the
// simulator main, the integration tests) call Build instead of Run.
func (r *Runner) Build() error {
	baseDrv := r.net.NewDriver()
	r.base = NewBase("base", r.sc.NetworkID, r.sc.NetworkKey, baseDrv)
	if err := r.net.Attach(baseDrv, r.base, 0, r.sc.Base.Segment, r.sc.Base.Mac); err != nil {
		return fmt.Errorf("attach base: %w", err)
	}

	for _, dc := range r.sc.Devices {
		numIfaces := dc.NumInterfaces
		if numIfaces == 0 {
			numIfaces = uint8(len(dc.Links))
		}
		drv := r.net.NewDriver()
		n := node.NewNode(node.Config{
			Name:           dc.Name,
			NetworkID:      r.sc.NetworkID,
			NetworkKey:     r.sc.NetworkKey,
			DeviceType:     dc.DeviceType,
			DeviceUniqueID: dc.DeviceUniqueID,
			NumInterfaces:  numIfaces,
		}, drv, r.bus, r.coll)
		for _, l := range dc.Links {
			if err := r.net.Attach(drv, n, l.Iface, l.Segment, l.Mac); err != nil {
				return fmt.Errorf("attach %s: %w", dc.Name, err)
			}
		}
		r.nodes[dc.Name] = n
	}
	return nil
}

// RunWave floods one beacon wave and assigns addresses once the flood has
// drained. Deterministic: deliveries happen synchronously.
func (r *Runner) RunWave() {
	r.base.StartWave(r.rng.Uint32())
	r.net.DeliverAll()
	r.base.AssignAddresses()
	r.net.DeliverAll()
}

// Run executes the whole scenario: waves, then traffic until the duration
// elapses, then a metrics flush by the caller.
func (r *Runner) Run() error {
	if err := r.Build(); err != nil {
		return err
	}

	for w := 0; w < r.sc.Waves.Count; w++ {
		if w > 0 && r.sc.Waves.Interval > 0 {
			select {
			case <-time.After(r.sc.Waves.Interval):
			case <-r.quit:
				return nil
			}
		}
		r.RunWave()
		log.Printf("[sim] wave %d/%d complete, %d devices joined", w+1, r.sc.Waves.Count, r.joinedCount())
	}

	rate := r.sc.Traffic.MsgPerDevicePerMin
	if rate == 0 || len(r.nodes) == 0 || r.sc.Duration == 0 {
		return nil
	}
	perSec := rate / 60.0 * float64(len(r.nodes))
	interval := time.Duration(float64(time.Second) / perSec)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	done := time.After(r.sc.Duration)

	for {
		select {
		case <-done:
			return nil
		case <-r.quit:
			return nil
		case <-tick.C:
			r.emitRandomTraffic()
			r.net.DeliverAll()
		}
	}
}

// Stop winds the runner down early.
func (r *Runner) Stop() {
	close(r.quit)
}

func (r *Runner) joinedCount() int {
	count := 0
	for _, n := range r.nodes {
		if n.Joined() {
			count++
		}
	}
	return count
}

// emitRandomTraffic pushes one downward command at a random joined device.
func (r *Runner) emitRandomTraffic() {
	addrs := r.base.Addresses()
	if len(addrs) == 0 {
		return
	}
	targets := make([]uint8, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, a)
	}
	dst := targets[r.rng.Intn(len(targets))]
	r.base.SendCommandTo(dst, r.sc.Traffic.Command, []byte("ping"))
}
