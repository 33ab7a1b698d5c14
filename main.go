package main

import (
	"log"
	"time"

	"github.com/tentone/tabtalk/peering"
	"go.uber.org/zap"
)

func main() {
	l, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalln(err)
	}

	network := peering.NewMemoryNetwork(peering.MemoryNetworkOptWithLogger(l))
	defer network.Close()

	network.Register("worker", func(host peering.Host) error {
		r, err := peering.NewRouter(peering.RouterConfig{
			Type: "worker",
			Host: host,
		}, peering.RouterOptWithLogger(l))
		if err != nil {
			return err
		}
		r.SetOnMessage(func(data any) {
			l.Sugar().Infof("worker received: %v", data)
		})
		return r.Start()
	})

	root, err := peering.NewRouter(peering.RouterConfig{
		Type: "main",
		Host: network.NewHost("main"),
	}, peering.RouterOptWithLogger(l))
	if err != nil {
		l.Sugar().Fatal(err)
	}
	if err := root.Start(); err != nil {
		l.Sugar().Fatal(err)
	}
	defer root.Dispose()

	worker, err := root.OpenSession("worker", "worker")
	if err != nil {
		l.Sugar().Fatal(err)
	}
	if err := worker.SendMessage("ping", nil); err != nil {
		l.Sugar().Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	root.LogSessions()
}
