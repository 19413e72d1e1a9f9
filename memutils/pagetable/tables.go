package pagetable

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/memutils"
)

// Node is a single table in the hierarchy. entries holds the logical content of each slot and words
// holds what the encoder produced for it, which is what the device would read from the table page.
type Node struct {
	level    int
	address  PhysAddr
	used     int
	entries  []Entry
	words    []uint64
	children []*Node
}

// Level returns the node's depth, 0 being the root
func (n *Node) Level() int { return n.level }

// Address returns the physical address of the page backing this table
func (n *Node) Address() PhysAddr { return n.address }

// UsedCount returns the number of entries that do not point at the scratch page
func (n *Node) UsedCount() int { return n.used }

// Tables is a multi-level page-table hierarchy. Intermediate tables are created when the first entry
// beneath them is written and freed when the last one is cleared. Unused slots at every level point at
// the scratch page owned by the hierarchy.
//
// Tables performs no locking; the owning address space serializes access.
type Tables struct {
	geometry  Geometry
	encoder   Encoder
	allocator TableAllocator
	scratch   Entry

	root      *Node
	nodeCount int
}

// NewTables builds an empty hierarchy for geometry. Every slot initially points at scratchPage.
func NewTables(geometry Geometry, scratchPage PhysAddr, encoder Encoder, allocator TableAllocator) (*Tables, error) {
	if encoder == nil {
		encoder = Encoder64
	}
	if allocator == nil {
		allocator = NewRuntimeAllocator(0, geometry.PageSize)
	}

	t := &Tables{
		geometry:  geometry,
		encoder:   encoder,
		allocator: allocator,
		scratch:   Entry{Kind: EntryScratch, Address: scratchPage},
	}

	root, err := t.newNode(0)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

func (t *Tables) Geometry() Geometry { return t.geometry }

// Scratch returns the entry written into every unused slot
func (t *Tables) Scratch() Entry { return t.scratch }

// Root returns the top-level table
func (t *Tables) Root() *Node { return t.root }

// NodeCount returns the number of tables currently allocated, root included
func (t *Tables) NodeCount() int { return t.nodeCount }

func (t *Tables) newNode(level int) (*Node, error) {
	addr, err := t.allocator.NewTable()
	if err != nil {
		if !cerrors.Is(err, memutils.ErrOutOfMemory) {
			err = cerrors.Mark(err, memutils.ErrOutOfMemory)
		}
		return nil, cerrors.Wrapf(err, "failed to allocate a level %d page table", level)
	}

	node := &Node{
		level:   level,
		address: addr,
		entries: make([]Entry, t.geometry.FanOut),
		words:   make([]uint64, t.geometry.FanOut),
	}
	if level < t.geometry.Levels-1 {
		node.children = make([]*Node, t.geometry.FanOut)
	}

	scratchWord := t.encoder(t.scratch)
	for i := range node.entries {
		node.entries[i] = t.scratch
		node.words[i] = scratchWord
	}

	t.nodeCount++
	return node, nil
}

func (t *Tables) freeNode(node *Node) {
	t.allocator.FreeTable(node.address)
	t.nodeCount--
}

func (t *Tables) setEntry(node *Node, index int, entry Entry) {
	wasEmpty := node.entries[index].IsEmpty()
	node.entries[index] = entry
	node.words[index] = t.encoder(entry)

	switch {
	case wasEmpty && !entry.IsEmpty():
		node.used++
	case !wasEmpty && entry.IsEmpty():
		node.used--
	}
}

func (t *Tables) checkRange(firstPage, count int) {
	if firstPage < 0 || count < 0 || firstPage+count > t.geometry.Pages {
		panic(cerrors.AssertionFailedf("page range [%d, %d) lies outside a space of %d pages", firstPage, firstPage+count, t.geometry.Pages))
	}
}

// walkRange visits each entry of node that covers part of [firstPage, firstPage+count). base is the
// first page covered by node.
func (t *Tables) walkRange(node *Node, base, firstPage, count int, visit func(node *Node, index, entryBase, entryFirst, entryCount int) error) error {
	span := t.geometry.span(node.level)
	end := firstPage + count

	for page := firstPage; page < end; {
		index := (page - base) / span
		entryBase := base + index*span
		entryEnd := entryBase + span
		if entryEnd > end {
			entryEnd = end
		}

		if err := visit(node, index, entryBase, page, entryEnd-page); err != nil {
			return err
		}
		page = entryEnd
	}

	return nil
}

// Insert writes one leaf entry per page in pages, starting at firstPage, creating intermediate tables
// as needed. If a table cannot be allocated, entries already written by this call are cleared again and
// an error matching memutils.ErrOutOfMemory is returned.
func (t *Tables) Insert(firstPage int, pages []PhysAddr, cache CacheLevel, flags EntryFlags) error {
	t.checkRange(firstPage, len(pages))

	written := 0
	err := t.insert(t.root, 0, firstPage, pages, cache, flags, &written)
	if err != nil {
		t.Clear(firstPage, written)
		return err
	}

	memutils.DebugValidate(t)
	return nil
}

func (t *Tables) insert(node *Node, base, firstPage int, pages []PhysAddr, cache CacheLevel, flags EntryFlags, written *int) error {
	return t.walkRange(node, base, firstPage, len(pages), func(node *Node, index, entryBase, entryFirst, entryCount int) error {
		chunk := pages[entryFirst-firstPage : entryFirst-firstPage+entryCount]

		if node.children == nil {
			t.setEntry(node, index, Entry{Kind: EntryPage, Address: chunk[0], Cache: cache, Flags: flags})
			*written++
			return nil
		}

		child := node.children[index]
		if child == nil {
			var err error
			child, err = t.newNode(node.level + 1)
			if err != nil {
				return err
			}
			node.children[index] = child
			t.setEntry(node, index, Entry{Kind: EntryTable, Address: child.address})
		}

		err := t.insert(child, entryBase, entryFirst, chunk, cache, flags, written)
		if child.used == 0 {
			t.pruneChild(node, index)
		}
		return err
	})
}

func (t *Tables) pruneChild(node *Node, index int) {
	child := node.children[index]
	node.children[index] = nil
	t.setEntry(node, index, t.scratch)
	t.freeNode(child)
}

// Clear points count leaf entries starting at firstPage back at the scratch page, then frees every
// intermediate table left with no used entries, deepest first. The root is never freed.
func (t *Tables) Clear(firstPage, count int) {
	t.checkRange(firstPage, count)
	if count == 0 {
		return
	}

	_ = t.walkRange(t.root, 0, firstPage, count, t.clearEntry)
	memutils.DebugValidate(t)
}

func (t *Tables) clearEntry(node *Node, index, entryBase, entryFirst, entryCount int) error {
	if node.children == nil {
		t.setEntry(node, index, t.scratch)
		return nil
	}

	child := node.children[index]
	if child == nil {
		return nil
	}

	_ = t.walkRange(child, entryBase, entryFirst, entryCount, t.clearEntry)
	if child.used == 0 {
		t.pruneChild(node, index)
	}
	return nil
}

// Lookup returns the leaf entry for page. Pages beneath a missing table read as the scratch entry.
func (t *Tables) Lookup(page int) Entry {
	t.checkRange(page, 1)

	node := t.root
	for node.children != nil {
		child := node.children[t.geometry.Index(node.level, page)]
		if child == nil {
			return t.scratch
		}
		node = child
	}

	return node.entries[t.geometry.Index(node.level, page)]
}

// LookupWord returns the encoded leaf word the device would read for page
func (t *Tables) LookupWord(page int) uint64 {
	t.checkRange(page, 1)

	node := t.root
	for node.children != nil {
		child := node.children[t.geometry.Index(node.level, page)]
		if child == nil {
			return t.encoder(t.scratch)
		}
		node = child
	}

	return node.words[t.geometry.Index(node.level, page)]
}

// Walk calls visit with each mapped leaf entry in [firstPage, firstPage+count), in ascending page order.
// Scratch entries are skipped. Iteration stops early if visit returns false.
func (t *Tables) Walk(firstPage, count int, visit func(page int, entry Entry) bool) {
	t.checkRange(firstPage, count)
	if count == 0 {
		return
	}

	stop := cerrors.New("stop")
	var walkEntry func(node *Node, index, entryBase, entryFirst, entryCount int) error
	walkEntry = func(node *Node, index, entryBase, entryFirst, entryCount int) error {
		if node.children == nil {
			entry := node.entries[index]
			if !entry.IsEmpty() && !visit(entryFirst, entry) {
				return stop
			}
			return nil
		}

		child := node.children[index]
		if child == nil {
			return nil
		}
		return t.walkRange(child, entryBase, entryFirst, entryCount, walkEntry)
	}

	_ = t.walkRange(t.root, 0, firstPage, count, walkEntry)
}

// Validate checks that every table's used count matches its entries, every encoded word matches its
// logical entry, every table entry points at its child, and no table below the root is empty.
func (t *Tables) Validate() error {
	count, err := t.validateNode(t.root)
	if err != nil {
		return err
	}
	if count != t.nodeCount {
		return cerrors.Newf("hierarchy holds %d tables but %d are accounted for", count, t.nodeCount)
	}
	return nil
}

func (t *Tables) validateNode(node *Node) (int, error) {
	used := 0
	count := 1

	for i, entry := range node.entries {
		if node.words[i] != t.encoder(entry) {
			return 0, cerrors.Newf("level %d entry %d is encoded as %#x, which does not match %s", node.level, i, node.words[i], entry)
		}
		if !entry.IsEmpty() {
			used++
		}

		if node.children == nil {
			if entry.Kind == EntryTable {
				return 0, cerrors.Newf("leaf table entry %d points at a table", i)
			}
			continue
		}

		child := node.children[i]
		switch {
		case child == nil && entry.Kind != EntryScratch:
			return 0, cerrors.Newf("level %d entry %d is %s but has no child table", node.level, i, entry)
		case child == nil:
			continue
		case entry.Kind != EntryTable || entry.Address != child.address:
			return 0, cerrors.Newf("level %d entry %d is %s but its child table lives at %#x", node.level, i, entry, uint64(child.address))
		case child.used == 0:
			return 0, cerrors.Newf("level %d entry %d points at an empty table", node.level, i)
		}

		childCount, err := t.validateNode(child)
		if err != nil {
			return 0, err
		}
		count += childCount
	}

	if used != node.used {
		return 0, cerrors.Newf("level %d table at %#x has a used count of %d, but %d entries are in use", node.level, uint64(node.address), node.used, used)
	}
	return count, nil
}

// Destroy frees every table in the hierarchy, root included. The Tables may not be used afterwards.
func (t *Tables) Destroy() {
	t.destroyNode(t.root)
	t.root = nil
}

func (t *Tables) destroyNode(node *Node) {
	for _, child := range node.children {
		if child != nil {
			t.destroyNode(child)
		}
	}
	t.freeNode(node)
}
