package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/vkngwrapper/gpuvm/gvm"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

// geometryCmd implements subcommands.Command for the "geometry" command.
type geometryCmd struct {
	size   int
	page   int
	fanOut int
}

// Name implements subcommands.Command.
func (*geometryCmd) Name() string {
	return "geometry"
}

// Synopsis implements subcommands.Command.
func (*geometryCmd) Synopsis() string {
	return "print the page-table shape of an address space"
}

// Usage implements subcommands.Command.
func (*geometryCmd) Usage() string {
	return `geometry [flags] - print the page-table shape of an address space
`
}

// SetFlags implements subcommands.Command.
func (c *geometryCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.size, "size", 1<<32, "size of the address space in bytes")
	f.IntVar(&c.page, "page", gvm.DefaultPageSize, "page size in bytes")
	f.IntVar(&c.fanOut, "fanout", gvm.DefaultFanOut, "entries per page table")
}

// Execute implements subcommands.Command.
func (c *geometryCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", f.Args())
		return subcommands.ExitUsageError
	}

	geometry, err := pagetable.NewGeometry(c.size, c.page, c.fanOut)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	fmt.Print(describeGeometry(geometry))
	return subcommands.ExitSuccess
}

// describeGeometry lists each level of the hierarchy along with how many tables a fully mapped space needs
func describeGeometry(geometry pagetable.Geometry) string {
	out := fmt.Sprintf("pages: %d\nlevels: %d\n", geometry.Pages, geometry.Levels)

	tables := geometry.Pages
	counts := make([]int, geometry.Levels)
	for level := geometry.Levels - 1; level >= 0; level-- {
		tables = (tables + geometry.FanOut - 1) / geometry.FanOut
		counts[level] = tables
	}

	span := geometry.PageSize
	spans := make([]int, geometry.Levels)
	for level := geometry.Levels - 1; level >= 0; level-- {
		spans[level] = span
		span *= geometry.FanOut
	}

	for level := 0; level < geometry.Levels; level++ {
		out += fmt.Sprintf("level %d: %d tables, %d bytes per entry\n", level, counts[level], spans[level])
	}
	return out
}
