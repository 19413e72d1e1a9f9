package pagetable

import (
	"fmt"
	"strings"
)

// PhysAddr is a device-physical address
type PhysAddr uint64

// CacheLevel controls how the device caches accesses through a leaf entry
type CacheLevel uint8

const (
	CacheNone CacheLevel = iota
	CacheLLC
	CacheL3LLC
	CacheWriteThrough
)

var cacheLevelMapping = map[CacheLevel]string{
	CacheNone:         "CacheNone",
	CacheLLC:          "CacheLLC",
	CacheL3LLC:        "CacheL3LLC",
	CacheWriteThrough: "CacheWriteThrough",
}

func (l CacheLevel) String() string {
	str, ok := cacheLevelMapping[l]
	if !ok {
		return fmt.Sprintf("CacheLevel(%d)", uint8(l))
	}
	return str
}

// EntryFlags carries access permissions for a leaf entry
type EntryFlags uint32

const (
	FlagReadOnly EntryFlags = 1 << iota
	FlagNoExecute
)

var entryFlagsMapping = map[EntryFlags]string{
	FlagReadOnly:  "FlagReadOnly",
	FlagNoExecute: "FlagNoExecute",
}

func (f EntryFlags) String() string {
	if f == 0 {
		return "None"
	}

	var hasOne bool
	var sb strings.Builder

	for i := 0; i < 32; i++ {
		shiftedBit := EntryFlags(1 << i)
		if f&shiftedBit != 0 {
			if hasOne {
				sb.WriteRune('|')
			}

			str, ok := entryFlagsMapping[shiftedBit]
			if !ok {
				str = fmt.Sprintf("EntryFlags(%d)", uint32(shiftedBit))
			}
			sb.WriteString(str)
			hasOne = true
		}
	}

	return sb.String()
}

// EntryKind discriminates the three things a page-table entry can point at
type EntryKind uint8

const (
	// EntryScratch entries point at the shared scratch page and count as empty
	EntryScratch EntryKind = iota
	// EntryTable entries point at a child table
	EntryTable
	// EntryPage entries map a physical page
	EntryPage
)

var entryKindMapping = map[EntryKind]string{
	EntryScratch: "EntryScratch",
	EntryTable:   "EntryTable",
	EntryPage:    "EntryPage",
}

func (k EntryKind) String() string {
	str, ok := entryKindMapping[k]
	if !ok {
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
	return str
}

// Entry is the logical content of one page-table slot. Its bit layout on the device is produced by an
// Encoder and is never inspected by the rest of the package.
type Entry struct {
	Kind    EntryKind
	Address PhysAddr
	Cache   CacheLevel
	Flags   EntryFlags
}

// IsEmpty reports whether the entry points at the scratch page
func (e Entry) IsEmpty() bool {
	return e.Kind == EntryScratch
}

func (e Entry) String() string {
	switch e.Kind {
	case EntryPage:
		return fmt.Sprintf("%s{%#x %s %s}", e.Kind, uint64(e.Address), e.Cache, e.Flags)
	default:
		return fmt.Sprintf("%s{%#x}", e.Kind, uint64(e.Address))
	}
}
