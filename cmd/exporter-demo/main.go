package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simeonmiteff/go-netstack/pkg/buf"
	"github.com/simeonmiteff/go-netstack/pkg/exporter"
	"github.com/simeonmiteff/go-netstack/pkg/libos"
	"github.com/simeonmiteff/go-netstack/pkg/runtime"
	"github.com/simeonmiteff/go-netstack/pkg/wire"
)

var (
	nodeMAC = wire.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	nodeIP  = wire.IPv4{10, 0, 0, 1}
)

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}

	rt := runtime.NewInMemory(nodeMAC, nodeIP, runtime.DefaultConfig())
	rt.EnableWallClock()

	collector := exporter.NewStackCollector(
		"netstack_",
		[]string{"id", "local", "remote"},
		prometheus.Labels{
			"app":      "exporter_demo",
			"hostname": hostname,
		},
		func(err error) {
			fmt.Println(err)
		},
	)
	prometheus.MustRegister(collector)

	ls := libos.New(rt, libos.WithCollector(collector))

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":18080", nil); err != nil {
			panic(err)
		}
	}()

	// A loopback connection over the stack's own wire: listen, connect to
	// ourselves, then keep a trickle of traffic flowing so the collector
	// has something to report.
	listenFD, err := ls.Socket(libos.AF_INET, libos.SOCK_STREAM, 0)
	if err != nil {
		panic(err)
	}
	local := wire.Endpoint{Addr: nodeIP, Port: 80}
	if err := ls.Bind(listenFD, local); err != nil {
		panic(err)
	}
	if err := ls.Listen(listenFD, 1); err != nil {
		panic(err)
	}
	acceptQT, err := ls.Accept(listenFD)
	if err != nil {
		panic(err)
	}

	connFD, err := ls.Socket(libos.AF_INET, libos.SOCK_STREAM, 0)
	if err != nil {
		panic(err)
	}
	connectQT, err := ls.Connect(connFD, local)
	if err != nil {
		panic(err)
	}

	if _, err := ls.Wait(connectQT); err != nil {
		panic(err)
	}
	acceptRes, err := ls.Wait(acceptQT)
	if err != nil {
		panic(err)
	}
	serverFD := acceptRes.AcceptedFD

	for {
		pushQT, err := ls.Push2(connFD, buf.FromBytes([]byte("badger, ")))
		if err != nil {
			panic(err)
		}
		if _, err := ls.Wait(pushQT); err != nil {
			panic(err)
		}

		popQT, err := ls.Pop(serverFD)
		if err != nil {
			panic(err)
		}
		popRes, err := ls.Wait(popQT)
		if err != nil {
			panic(err)
		}
		fmt.Print(string(popRes.Sga.Flatten().Bytes()))

		time.Sleep(time.Millisecond * 10)
	}
}
