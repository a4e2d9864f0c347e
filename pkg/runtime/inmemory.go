package runtime

import (
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/arp"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/tcp"
	"github.com/simeonmiteff/go-netstack/pkg/udp"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
)

// receiveBatchSize bounds how many frames one Receive call drains.
const receiveBatchSize = 4

// Config bundles the per-protocol options an InMemory node hands to the
// stack built over it.
type Config struct {
	ARP arp.Options
	UDP udp.Options
	TCP tcp.Options
}

func DefaultConfig() Config {
	return Config{
		ARP: arp.DefaultOptions(),
		UDP: udp.DefaultOptions(),
		TCP: tcp.DefaultOptions(),
	}
}

// Network is an in-memory Ethernet segment: frames transmitted by one
// attached node are delivered to the node whose link address matches the
// destination, or to every other node on broadcast.
type Network struct {
	nodes []*InMemory
}

func NewNetwork() *Network {
	return &Network{}
}

// Attach creates a node on the segment.
func (n *Network) Attach(link wire.MAC, ip wire.IPv4, cfg Config) *InMemory {
	node := &InMemory{network: n, link: link, ip: ip, cfg: cfg}
	n.nodes = append(n.nodes, node)
	return node
}

func (n *Network) deliver(from *InMemory, dst wire.MAC, frame []byte) {
	if dst == wire.BroadcastMAC {
		for _, node := range n.nodes {
			if node != from {
				node.inbox = append(node.inbox, frame)
			}
		}
		return
	}
	for _, node := range n.nodes {
		// Unicast to the matching node, the sender included: a frame a
		// node addresses to itself loops back, which is how single-node
		// loopback traffic works.
		if node.link == dst {
			node.inbox = append(node.inbox, frame)
			return
		}
	}
}

// InMemory is a Runtime whose NIC is an in-memory Ethernet segment and
// whose clock is virtual: it only moves when AdvanceClock is called,
// unless wall-clock mode is enabled for interactive use.
type InMemory struct {
	network *Network
	link    wire.MAC
	ip      wire.IPv4
	cfg     Config

	now       time.Time
	wallClock bool

	inbox       [][]byte
	transmitted int
}

// NewInMemory creates a standalone node on its own single-node segment.
func NewInMemory(link wire.MAC, ip wire.IPv4, cfg Config) *InMemory {
	return NewNetwork().Attach(link, ip, cfg)
}

// EnableWallClock makes Now follow the host clock instead of the virtual
// one, for demos that run against real time.
func (r *InMemory) EnableWallClock() {
	r.wallClock = true
}

func (r *InMemory) Now() time.Time {
	if r.wallClock {
		return time.Now()
	}
	return r.now
}

func (r *InMemory) AdvanceClock(now time.Time) {
	if now.Before(r.now) {
		panic("runtime: clock regression")
	}
	r.now = now
}

func (r *InMemory) Receive() []buf.Buffer {
	if len(r.inbox) == 0 {
		return nil
	}
	n := len(r.inbox)
	if n > receiveBatchSize {
		n = receiveBatchSize
	}
	out := make([]buf.Buffer, n)
	for i := 0; i < n; i++ {
		out[i] = buf.FromBytes(r.inbox[i])
	}
	r.inbox = r.inbox[n:]
	return out
}

func (r *InMemory) Transmit(fb FrameBuilder) error {
	frame := make([]byte, fb.HeaderSize()+fb.BodySize())
	fb.WriteHeader(frame[:fb.HeaderSize()])
	if body, ok := fb.TakeBody(); ok {
		copy(frame[fb.HeaderSize():], body.Bytes())
	}
	var dst wire.MAC
	copy(dst[:], frame[0:6])
	r.transmitted++
	r.network.deliver(r, dst, frame)
	return nil
}

// Transmitted reports how many frames this node has sent, for tests that
// assert on wire traffic.
func (r *InMemory) Transmitted() int {
	return r.transmitted
}

func (r *InMemory) LocalLinkAddr() wire.MAC { return r.link }

func (r *InMemory) LocalIPv4Addr() wire.IPv4 { return r.ip }

func (r *InMemory) ARPOptions() arp.Options { return r.cfg.ARP }

func (r *InMemory) UDPOptions() udp.Options { return r.cfg.UDP }

func (r *InMemory) TCPOptions() tcp.Options { return r.cfg.TCP }
