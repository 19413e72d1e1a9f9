package pagetable

// Encoder translates a logical Entry into the word the device reads. It is the only place that knows a
// hardware generation's bit layout.
type Encoder func(entry Entry) uint64

const (
	pteValid    uint64 = 1 << 0
	pteWritable uint64 = 1 << 1
	pteNoExec   uint64 = 1 << 63

	pte64AddrMask uint64 = 0x000f_ffff_ffff_f000
	pte64CacheShift      = 3

	pte32AddrLowMask uint64 = 0xffff_f000
	pte32CacheShift         = 1
)

// Encoder64 lays entries out as 64-bit words: address in bits 12-51, cache level in bits 3-4, and
// permission bits at both ends.
func Encoder64(entry Entry) uint64 {
	word := uint64(entry.Address)&pte64AddrMask | pteValid

	switch entry.Kind {
	case EntryScratch:
		return word
	case EntryTable:
		return word | pteWritable
	}

	if entry.Flags&FlagReadOnly == 0 {
		word |= pteWritable
	}
	if entry.Flags&FlagNoExecute != 0 {
		word |= pteNoExec
	}
	return word | uint64(entry.Cache&0x3)<<pte64CacheShift
}

// Encoder32 lays entries out as 32-bit words for restricted spaces: address bits 12-31 stay in place,
// address bits 32-39 are folded into bits 4-11, and the cache level occupies bits 1-2. 32-bit entries
// carry no permission bits.
func Encoder32(entry Entry) uint64 {
	addr := uint64(entry.Address)
	word := addr&pte32AddrLowMask | (addr>>28)&0xff0 | pteValid

	if entry.Kind == EntryPage {
		word |= uint64(entry.Cache&0x3) << pte32CacheShift
	}
	return word
}
