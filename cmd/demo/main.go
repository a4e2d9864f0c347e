package main

import (
	"bytes"

	"github.com/sirupsen/logrus"

	netstack "github.com/simeonmiteff/go-netstack"
	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/libos"
	"github.com/simeonmiteff/go-netstack/pkg/runtime"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
)

var (
	aliceMAC = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x0a}
	bobMAC   = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x0b}
	aliceIP  = wire.IPv4{10, 0, 0, 10}
	bobIP    = wire.IPv4{10, 0, 0, 11}
)

// waitOn drives both stacks until qt completes on owner. Two stack
// instances share the in-memory segment, so both must keep polling for
// frames to flow.
func waitOn(a, b, owner *libos.LibOS, qt libos.QToken) libos.QResult {
	for {
		a.PollBgWork()
		b.PollBgWork()
		qr, done, err := owner.Poll(qt)
		if err != nil {
			logrus.Fatalf("poll: %v", err)
		}
		if done {
			return qr
		}
	}
}

func main() {
	network := runtime.NewNetwork()
	alice := libos.New(network.Attach(aliceMAC, aliceIP, runtime.DefaultConfig()), libos.WithReportStatsFn(reportStats))
	bob := libos.New(network.Attach(bobMAC, bobIP, runtime.DefaultConfig()), libos.WithReportStatsFn(reportStats))

	listenFD, err := alice.Socket(libos.AF_INET, libos.SOCK_STREAM, 0)
	if err != nil {
		logrus.Fatalf("socket: %v", err)
	}
	if err := alice.Bind(listenFD, wire.Endpoint{Addr: aliceIP, Port: 80}); err != nil {
		logrus.Fatalf("bind: %v", err)
	}
	if err := alice.Listen(listenFD, 8); err != nil {
		logrus.Fatalf("listen: %v", err)
	}
	acceptQT, err := alice.Accept(listenFD)
	if err != nil {
		logrus.Fatalf("accept: %v", err)
	}

	bobFD, err := bob.Socket(libos.AF_INET, libos.SOCK_STREAM, 0)
	if err != nil {
		logrus.Fatalf("socket: %v", err)
	}
	connectQT, err := bob.Connect(bobFD, wire.Endpoint{Addr: aliceIP, Port: 80})
	if err != nil {
		logrus.Fatalf("connect: %v", err)
	}

	connectRes := waitOn(alice, bob, bob, connectQT)
	if connectRes.Opcode != libos.OpConnect {
		logrus.Fatalf("connect failed: %v", connectRes.Err)
	}
	acceptRes := waitOn(alice, bob, alice, acceptQT)
	if acceptRes.Opcode != libos.OpAccept {
		logrus.Fatalf("accept failed: %v", acceptRes.Err)
	}
	serverFD := acceptRes.AcceptedFD

	payload := bytes.Repeat([]byte{0x5a}, 32)
	pushQT, err := bob.Push2(bobFD, buf.FromBytes(payload))
	if err != nil {
		logrus.Fatalf("push: %v", err)
	}
	waitOn(alice, bob, bob, pushQT)

	popQT, err := alice.Pop(serverFD)
	if err != nil {
		logrus.Fatalf("pop: %v", err)
	}
	popRes := waitOn(alice, bob, alice, popQT)
	if popRes.Opcode != libos.OpPop {
		logrus.Fatalf("pop failed: %v", popRes.Err)
	}
	received := popRes.Sga.Flatten().Bytes()
	if !bytes.Equal(received, payload) {
		logrus.Fatalf("payload mismatch: got %d bytes", len(received))
	}

	if err := bob.Close(bobFD); err != nil {
		logrus.Fatalf("close: %v", err)
	}
	if err := alice.Close(serverFD); err != nil {
		logrus.Fatalf("close: %v", err)
	}
	if err := alice.Close(listenFD); err != nil {
		logrus.Fatalf("close: %v", err)
	}
	// Let the FIN handshakes drain.
	for i := 0; i < 64; i++ {
		alice.PollBgWork()
		bob.PollBgWork()
	}

	logrus.Infof("complete: %d bytes echoed over the in-memory segment", len(received))
}

func reportStats(cs *netstack.ConnStats, state int) {
	logrus.Infof("%s: conn=%s %s->%s openedAt=%d closedAt=%d txBytes=%d rxBytes=%d retransmits=%d firstRxAt=%d firstTxAt=%d",
		netstack.StateMap[state], cs.ID, cs.Local, cs.Remote, cs.OpenedAt, cs.ClosedAt, cs.TxBytes, cs.RxBytes, cs.Retransmits, cs.FirstRxAt, cs.FirstTxAt)
}
