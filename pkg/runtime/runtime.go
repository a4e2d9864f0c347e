// Package runtime defines the contract of the caller-provided packet I/O
// collaborator — the DPDK-like layer that delivers raw Ethernet frames,
// transmits them, and owns the stack's monotonic clock — plus an
// in-memory implementation used by tests and demos.
package runtime

import (
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/arp"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/tcp"
	"github.com/simeonmiteff/go-netstack/pkg/udp"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
)

// FrameBuilder describes one outbound frame as a serialised header plus
// an optional body taken by reference, so payload bytes are not copied
// into the header allocation.
type FrameBuilder interface {
	HeaderSize() int
	BodySize() int
	// WriteHeader serialises the frame's headers into dst, whose length
	// is at least HeaderSize.
	WriteHeader(dst []byte)
	// TakeBody surrenders the payload buffer, if the frame has one.
	TakeBody() (buf.Buffer, bool)
}

// Runtime is the packet I/O and clock collaborator the stack is built
// over. Implementations are single-threaded with respect to the stack
// instance that owns them.
type Runtime interface {
	// Now is the stack's monotonic clock.
	Now() time.Time
	// AdvanceClock moves the clock forward; it panics on regression.
	AdvanceClock(now time.Time)
	// Receive returns a batch of freshly arrived Ethernet frames, empty
	// when nothing is pending.
	Receive() []buf.Buffer
	// Transmit serialises and sends one frame.
	Transmit(fb FrameBuilder) error

	LocalLinkAddr() wire.MAC
	LocalIPv4Addr() wire.IPv4
	ARPOptions() arp.Options
	UDPOptions() udp.Options
	TCPOptions() tcp.Options
}
