// Package buf implements the immutable, shared-ownership byte buffer used
// throughout the stack to avoid copying frame data as it is trimmed and
// re-sliced across protocol layers.
package buf

// Buffer is an immutable view over a shared backing array. Adjust and Trim
// are O(1): they only move the view's bounds, never copy or mutate the
// backing array, so multiple Buffers can share one origin safely.
type Buffer struct {
	origin []byte
	offset int
	length int
}

// FromBytes wraps b as the origin of a new Buffer. The caller must not
// mutate b afterwards; use NewMutable if the bytes still need writing.
func FromBytes(b []byte) Buffer {
	return Buffer{origin: b, offset: 0, length: len(b)}
}

// Len reports the number of visible bytes.
func (b Buffer) Len() int {
	return b.length
}

// Bytes returns the visible slice. The slice aliases the shared origin and
// must not be mutated by the caller.
func (b Buffer) Bytes() []byte {
	return b.origin[b.offset : b.offset+b.length]
}

// Adjust drops the leading n bytes from the view. It panics if n exceeds
// the current length.
func (b Buffer) Adjust(n int) Buffer {
	if n > b.length {
		panic("buf: Adjust n exceeds length")
	}
	return Buffer{origin: b.origin, offset: b.offset + n, length: b.length - n}
}

// Trim drops the trailing n bytes from the view.
func (b Buffer) Trim(n int) Buffer {
	if n > b.length {
		panic("buf: Trim n exceeds length")
	}
	return Buffer{origin: b.origin, offset: b.offset, length: b.length - n}
}

// Clone deep-copies the visible bytes into a freshly allocated backing
// array, severing sharing with the origin. Used by scatter-gather array
// cloning where the caller's buffer must outlive the origin.
func (b Buffer) Clone() Buffer {
	cp := make([]byte, b.length)
	copy(cp, b.Bytes())
	return FromBytes(cp)
}

// Mutable is a freshly allocated, zeroed, exclusively-owned region. It is
// the only way to get bytes into the system; once written it is converted
// to an immutable Buffer via Freeze, which prevents further mutation by
// clients holding a reference to the old Mutable value's backing array.
type Mutable struct {
	data []byte
}

// NewMutable allocates n zeroed bytes.
func NewMutable(n int) Mutable {
	return Mutable{data: make([]byte, n)}
}

// Bytes exposes the zeroed region for writing.
func (m Mutable) Bytes() []byte {
	return m.data
}

// Len reports the allocated size.
func (m Mutable) Len() int {
	return len(m.data)
}

// Freeze converts the mutable region into an immutable Buffer. The Mutable
// value must not be written to again after Freeze is called.
func (m Mutable) Freeze() Buffer {
	return FromBytes(m.data)
}
