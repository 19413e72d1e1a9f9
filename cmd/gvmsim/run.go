package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	config      string
	detailedMap bool
	verbose     bool
}

// Name implements subcommands.Command.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.
func (*runCmd) Synopsis() string {
	return "run a workload file against a simulated device"
}

// Usage implements subcommands.Command.
func (*runCmd) Usage() string {
	return `run [flags] -config <workload.toml> - run a workload file against a simulated device
`
}

// SetFlags implements subcommands.Command.
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to the workload file")
	f.BoolVar(&c.detailedMap, "detailed", false, "list every region of every space in the report")
	f.BoolVar(&c.verbose, "v", false, "log every address space operation")
}

// Execute implements subcommands.Command.
func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if len(c.config) == 0 || f.NArg() > 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	w, err := loadWorkload(c.config)
	if err != nil {
		logger.Error("Failed to load workload", slog.Any("error", err))
		return subcommands.ExitFailure
	}

	result, err := simulate(ctx, logger, w, c.detailedMap)
	if err != nil {
		logger.Error("Simulation failed", slog.Any("error", err))
		return subcommands.ExitFailure
	}

	fmt.Println(result.json())
	for _, stats := range result.SpaceStats {
		fmt.Println(stats)
	}
	return subcommands.ExitSuccess
}

func (r *report) json() string {
	writer := jwriter.NewWriter()
	objState := writer.Object()

	phases := objState.Name("Phases").Array()
	for _, phase := range r.Phases {
		phaseObj := phases.Object()
		phaseObj.Name("Name").String(phase.Name)
		phaseObj.Name("Bound").Int(phase.Bound)
		phaseObj.Name("OutOfSpace").Int(phase.OutOfSpace)
		phaseObj.Name("Busy").Int(phase.Busy)
		phaseObj.Name("DeviceHung").Int(phase.DeviceHung)
		phaseObj.Name("Pinned").Int(phase.Pinned)
		phaseObj.Name("Submitted").Int(phase.Submitted)
		phaseObj.Name("Evicted").Int(phase.Evicted)
		phaseObj.Name("ScratchAcquired").Int(phase.ScratchAcquired)
		phaseObj.Name("ScratchFailed").Int(phase.ScratchFailed)
		phaseObj.End()
	}
	phases.End()

	managerObj := objState.Name("Manager").Object()
	managerObj.Name("Spaces").Int(r.Manager.Spaces)
	managerObj.Name("Bindings").Int(r.Manager.Bindings)
	managerObj.Name("ActiveBindings").Int(r.Manager.ActiveBindings)
	managerObj.Name("PinnedBindings").Int(r.Manager.PinnedBindings)
	managerObj.Name("PageTables").Int(r.Manager.PageTables)
	managerObj.Name("RangeBytes").Int(r.Manager.RangeBytes)
	managerObj.Name("BoundBytes").Int(r.Manager.AllocationBytes)
	managerObj.Name("FreeBytes").Int(r.Manager.FreeBytes())
	managerObj.Name("LargestHole").Int(r.Manager.UnusedRangeSizeMax)
	managerObj.Name("BindingsEvicted").Int(r.Manager.Eviction.BindingsEvicted)
	managerObj.Name("BytesEvicted").Int(r.Manager.Eviction.BytesEvicted)
	managerObj.Name("Scans").Int(r.Manager.Eviction.Scans)
	managerObj.End()

	poolObj := objState.Name("ScratchPool").Object()
	idle := poolObj.Name("Idle").Array()
	for _, count := range r.Pool.Idle {
		idle.Int(count)
	}
	idle.End()
	poolObj.Name("IdleBytes").Int(r.Pool.IdleBytes)
	poolObj.Name("Outstanding").Int(r.Pool.Outstanding)
	poolObj.Name("Created").Int(r.Pool.Created)
	poolObj.Name("Reused").Int(r.Pool.Reused)
	poolObj.End()

	objState.Name("LivePages").Int(r.LivePages)
	objState.End()
	return string(writer.Bytes())
}
