// Package filetable implements the dense file-descriptor allocator:
// small positive integers, each tagged by socket kind, never
// reused while live.
package filetable

import "github.com/simeonmiteff/go-netstack/pkg/errkind"

// Kind tags what a descriptor refers to.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

// Table is a dense slab of descriptor slots. The zero value is not usable;
// use New. Table is not safe for concurrent use; reentrancy
// during iteration is forbidden and is a caller bug.
type Table struct {
	slots []slot
	free  []int32
}

type slot struct {
	occupied bool
	kind     Kind
}

func New() *Table {
	// Slot 0 is never handed out: descriptors are positive, so
	// slot 0 is pre-occupied as a sentinel and never freed.
	return &Table{slots: []slot{{occupied: true}}}
}

// Alloc reserves the next free descriptor and tags it with kind.
func (t *Table) Alloc(kind Kind) int32 {
	if n := len(t.free); n > 0 {
		fd := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[fd] = slot{occupied: true, kind: kind}
		return fd
	}
	fd := int32(len(t.slots))
	t.slots = append(t.slots, slot{occupied: true, kind: kind})
	return fd
}

// Get reports the kind tagged to fd, if fd is a live descriptor.
func (t *Table) Get(fd int32) (Kind, bool) {
	if fd <= 0 || int(fd) >= len(t.slots) {
		return 0, false
	}
	s := t.slots[fd]
	if !s.occupied {
		return 0, false
	}
	return s.kind, true
}

// Free releases fd back to the slab. Freeing an already-free or
// out-of-range descriptor is a caller error.
func (t *Table) Free(fd int32) error {
	if fd <= 0 || int(fd) >= len(t.slots) || !t.slots[fd].occupied {
		return errkind.New(errkind.BadFileDescriptor, "free of unknown descriptor")
	}
	t.slots[fd] = slot{}
	t.free = append(t.free, fd)
	return nil
}
