package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuvm/gvm"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
	"golang.org/x/exp/slog"
)

func writeWorkload(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "workload.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadWorkload(t *testing.T) {
	w, err := loadWorkload("testdata/workload.toml")
	require.NoError(t, err)

	require.Equal(t, uint64(7), w.Seed)
	require.Equal(t, 1<<20, w.Space.Size)
	require.Equal(t, 5*time.Millisecond, w.Space.WaitTimeout.Duration)
	require.Equal(t, 2, w.Space.Privates)
	require.Len(t, w.Phases, 3)
	require.Equal(t, "pressure", w.Phases[1].Name)

	flags, err := w.Phases[2].bindFlags()
	require.NoError(t, err)
	require.Equal(t, gvm.BindAllowBlocking|gvm.BindHigh, flags)
}

func TestLoadWorkloadRejectsBadFiles(t *testing.T) {
	testCases := map[string]string{
		"unknown key": `
[space]
size = 65536
sise = 1
[[phase]]
min_pages = 1
max_pages = 1
`,
		"no phases": `
[space]
size = 65536
`,
		"bad page range": `
[space]
size = 65536
[[phase]]
min_pages = 4
max_pages = 2
`,
		"unknown flag": `
[space]
size = 65536
[[phase]]
min_pages = 1
max_pages = 1
flags = ["fixed"]
`,
		"bad duration": `
[space]
size = 65536
wait_timeout = "soon"
[[phase]]
min_pages = 1
max_pages = 1
`,
	}

	for name, contents := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := loadWorkload(writeWorkload(t, contents))
			require.Error(t, err)
		})
	}
}

func TestLoadWorkloadNamesPhases(t *testing.T) {
	w, err := loadWorkload(writeWorkload(t, `
[space]
size = 65536
[[phase]]
min_pages = 1
max_pages = 1
`))
	require.NoError(t, err)
	require.Equal(t, "phase-0", w.Phases[0].Name)
}

func TestSimulate(t *testing.T) {
	w, err := loadWorkload("testdata/workload.toml")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	result, err := simulate(context.Background(), logger, w, true)
	require.NoError(t, err)

	require.Len(t, result.Phases, 3)
	require.Positive(t, result.Phases[0].Bound)
	require.Equal(t, 3, result.Manager.Spaces)
	require.Len(t, result.SpaceStats, 3)
	require.Equal(t, 0, result.Pool.Outstanding)
	require.Positive(t, result.Pool.Created)

	// Every page handed out was given back during teardown
	require.Equal(t, 0, result.LivePages)

	var decoded struct {
		Phases []struct {
			Name  string
			Bound int
		}
		LivePages int
	}
	require.NoError(t, json.Unmarshal([]byte(result.json()), &decoded))
	require.Len(t, decoded.Phases, 3)
	require.Equal(t, "fill", decoded.Phases[0].Name)
	require.Equal(t, result.Phases[0].Bound, decoded.Phases[0].Bound)

	for _, stats := range result.SpaceStats {
		require.True(t, json.Valid([]byte(stats)))
	}
}

func TestDescribeGeometry(t *testing.T) {
	geometry, err := pagetable.NewGeometry(64*4096, 4096, 4)
	require.NoError(t, err)

	require.Equal(t, `pages: 64
levels: 3
level 0: 1 tables, 65536 bytes per entry
level 1: 4 tables, 16384 bytes per entry
level 2: 16 tables, 4096 bytes per entry
`, describeGeometry(geometry))
}
