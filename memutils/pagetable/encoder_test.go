package pagetable_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

func TestEncoder64(t *testing.T) {
	page := pagetable.Entry{Kind: pagetable.EntryPage, Address: 0x1234000, Cache: pagetable.CacheLLC}
	require.Equal(t, uint64(0x123400b), pagetable.Encoder64(page))

	page.Flags = pagetable.FlagReadOnly
	require.Equal(t, uint64(0x1234009), pagetable.Encoder64(page))

	page.Flags = pagetable.FlagNoExecute
	require.Equal(t, uint64(1<<63|0x123400b), pagetable.Encoder64(page))

	require.Equal(t, uint64(0x5001), pagetable.Encoder64(pagetable.Entry{Kind: pagetable.EntryScratch, Address: 0x5000}))
	require.Equal(t, uint64(0x6003), pagetable.Encoder64(pagetable.Entry{Kind: pagetable.EntryTable, Address: 0x6000}))
}

func TestEncoder32(t *testing.T) {
	page := pagetable.Entry{Kind: pagetable.EntryPage, Address: 0x12_3456_7000, Cache: pagetable.CacheLLC}
	require.Equal(t, uint64(0x34567123), pagetable.Encoder32(page))

	require.Equal(t, uint64(0x5001), pagetable.Encoder32(pagetable.Entry{Kind: pagetable.EntryScratch, Address: 0x5000}))
}

func TestEntryStrings(t *testing.T) {
	require.Equal(t, "FlagReadOnly|FlagNoExecute", (pagetable.FlagReadOnly | pagetable.FlagNoExecute).String())
	require.Equal(t, "None", pagetable.EntryFlags(0).String())
	require.Equal(t, "CacheL3LLC", pagetable.CacheL3LLC.String())
	require.Equal(t, "EntryPage{0x1000 CacheNone None}", pagetable.Entry{Kind: pagetable.EntryPage, Address: 0x1000}.String())
}
