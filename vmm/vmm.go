// Package vmm replays a scenario on a machine, one goroutine per vcpu.
package vmm

import (
	"fmt"
	"log/slog"

	"github.com/bobuhiro11/govmx/machine"
	"github.com/bobuhiro11/govmx/scenario"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Scenario is the path of the scenario file.
	Scenario string

	// TrapLog records every trap and dumps the logs at teardown.
	TrapLog bool

	Logger *slog.Logger
}

type VMM struct {
	*machine.Machine
	Config

	scenario *scenario.Scenario
	events   [][]machine.Event
}

func New(c Config) *VMM {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init loads the scenario and instantiates a machine for it.
func (v *VMM) Init() error {
	s, err := scenario.LoadFile(v.Scenario)
	if err != nil {
		return err
	}

	m, err := machine.New(len(s.VCPUs),
		machine.WithLogger(v.Logger),
		machine.WithTrapLog(v.TrapLog))
	if err != nil {
		return err
	}

	v.scenario = s
	v.Machine = m

	return nil
}

// Setup programs the vcpus with the policy of the scenario.
func (v *VMM) Setup() error {
	events, err := v.scenario.Apply(v.Machine)
	if err != nil {
		return fmt.Errorf("%s: %w", v.Scenario, err)
	}

	v.events = events

	return nil
}

// Boot runs every vcpu to the end of its events. The first fatal exit stops
// the run and is returned once all vcpus are done. Trap logs are dumped
// either way.
func (v *VMM) Boot() error {
	g := new(errgroup.Group)

	for cpu := 0; cpu < v.NCPUs(); cpu++ {
		v.Logger.Info("start vcpu", "vcpu", cpu, "ncpus", v.NCPUs())

		g.Go(func() error {
			return v.Run(cpu, v.events[cpu])
		})
	}

	err := g.Wait()

	for cpu := 0; cpu < v.NCPUs(); cpu++ {
		vcpu, _ := v.VCPU(cpu)
		s := vcpu.Stats()
		v.Logger.Info("vcpu done", "vcpu", cpu,
			"exits", s.Exits, "direct", s.Direct, "delivered", s.Delivered)
	}

	if v.TrapLog {
		v.DumpLogs()
	}

	return err
}
