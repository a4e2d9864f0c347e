package runtime_test

import (
	"testing"
	"time"

	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/runtime"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
	"github.com/stretchr/testify/require"
)

var (
	macA = wire.MAC{0x02, 0, 0, 0, 0, 0x0a}
	macB = wire.MAC{0x02, 0, 0, 0, 0, 0x0b}
	macC = wire.MAC{0x02, 0, 0, 0, 0, 0x0c}
	ipA  = wire.IPv4{10, 0, 0, 10}
	ipB  = wire.IPv4{10, 0, 0, 11}
	ipC  = wire.IPv4{10, 0, 0, 12}
)

type rawFrame struct {
	header []byte
	body   *buf.Buffer
}

func (f *rawFrame) HeaderSize() int { return len(f.header) }

func (f *rawFrame) BodySize() int {
	if f.body == nil {
		return 0
	}
	return f.body.Len()
}

func (f *rawFrame) WriteHeader(dst []byte) { copy(dst, f.header) }

func (f *rawFrame) TakeBody() (buf.Buffer, bool) {
	if f.body == nil {
		return buf.Buffer{}, false
	}
	return *f.body, true
}

func frameTo(dst wire.MAC, payload []byte) *rawFrame {
	header := make([]byte, wire.EthernetHeaderLen)
	wire.WriteEthernet(header, wire.EthernetHeader{Dst: dst, Src: macA, Type: wire.EtherTypeIPv4})
	b := buf.FromBytes(payload)
	return &rawFrame{header: header, body: &b}
}

func TestUnicastDelivery(t *testing.T) {
	net := runtime.NewNetwork()
	a := net.Attach(macA, ipA, runtime.DefaultConfig())
	b := net.Attach(macB, ipB, runtime.DefaultConfig())
	c := net.Attach(macC, ipC, runtime.DefaultConfig())

	require.NoError(t, a.Transmit(frameTo(macB, []byte("payload"))))

	frames := b.Receive()
	require.Len(t, frames, 1)
	require.Equal(t, []byte("payload"), frames[0].Bytes()[wire.EthernetHeaderLen:])
	require.Empty(t, c.Receive())
	require.Empty(t, a.Receive())
	require.Equal(t, 1, a.Transmitted())
}

func TestBroadcastReachesEveryoneButSender(t *testing.T) {
	net := runtime.NewNetwork()
	a := net.Attach(macA, ipA, runtime.DefaultConfig())
	b := net.Attach(macB, ipB, runtime.DefaultConfig())
	c := net.Attach(macC, ipC, runtime.DefaultConfig())

	require.NoError(t, a.Transmit(frameTo(wire.BroadcastMAC, nil)))
	require.Empty(t, a.Receive())
	require.Len(t, b.Receive(), 1)
	require.Len(t, c.Receive(), 1)
}

func TestUnicastToSelfLoopsBack(t *testing.T) {
	net := runtime.NewNetwork()
	a := net.Attach(macA, ipA, runtime.DefaultConfig())

	require.NoError(t, a.Transmit(frameTo(macA, []byte("loop"))))
	frames := a.Receive()
	require.Len(t, frames, 1)
}

func TestReceiveBatches(t *testing.T) {
	net := runtime.NewNetwork()
	a := net.Attach(macA, ipA, runtime.DefaultConfig())
	for i := 0; i < 6; i++ {
		require.NoError(t, a.Transmit(frameTo(macA, nil)))
	}
	require.Len(t, a.Receive(), 4, "one batch is bounded")
	require.Len(t, a.Receive(), 2)
	require.Empty(t, a.Receive())
}

func TestClockRegressionPanics(t *testing.T) {
	a := runtime.NewInMemory(macA, ipA, runtime.DefaultConfig())
	a.AdvanceClock(time.Unix(10, 0))
	require.Equal(t, time.Unix(10, 0), a.Now())
	require.Panics(t, func() { a.AdvanceClock(time.Unix(9, 0)) })
}
