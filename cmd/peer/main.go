package main

import (
	"fmt"
	"time"

	"github.com/alecthomas/kong"
	"github.com/tentone/tabtalk/peering"
	"go.uber.org/zap"
)

var CLI struct {
	Debug bool `help:"Enable debug logging."`

	Demo  DemoCmd  `cmd:"" help:"run a star-topology broadcast demo in-process"`
	Child ChildCmd `cmd:"" help:"run as a spawned peer context on stdio"`
}

func main() {
	ctx := kong.Parse(&CLI)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func newLogger() (*zap.Logger, error) {
	if CLI.Debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}

type DemoCmd struct {
	Leaves int `default:"3" help:"number of leaf peers around the hub"`
}

func (c *DemoCmd) Run() error {
	l, err := newLogger()
	if err != nil {
		return err
	}

	network := peering.NewMemoryNetwork(peering.MemoryNetworkOptWithLogger(l))
	defer network.Close()

	for i := 0; i < c.Leaves; i++ {
		name := fmt.Sprintf("leaf-%d", i)
		network.Register(name, func(host peering.Host) error {
			r, err := peering.NewRouter(peering.RouterConfig{
				Type: name,
				Host: host,
			}, peering.RouterOptWithLogger(l))
			if err != nil {
				return err
			}
			r.SetOnBroadcast(func(data any) {
				l.Sugar().Infof("%s got broadcast: %v", name, data)
			})
			return r.Start()
		})
	}

	hub, err := peering.NewRouter(peering.RouterConfig{
		Type: "hub",
		Host: network.NewHost("hub"),
	}, peering.RouterOptWithLogger(l))
	if err != nil {
		return err
	}
	if err := hub.Start(); err != nil {
		return err
	}
	defer hub.Dispose()

	for i := 0; i < c.Leaves; i++ {
		name := fmt.Sprintf("leaf-%d", i)
		if _, err := hub.OpenSession(name, name); err != nil {
			return err
		}
	}

	// let the handshakes settle before broadcasting
	time.Sleep(200 * time.Millisecond)
	hub.LogSessions()
	hub.Broadcast("hello from the hub", nil)
	time.Sleep(200 * time.Millisecond)
	return nil
}

type ChildCmd struct {
	Type string `default:"peer" help:"self-declared peer type"`
}

// Run speaks the envelope protocol on stdio until the opener hangs up.
func (c *ChildCmd) Run() error {
	l, err := newLogger()
	if err != nil {
		return err
	}

	host := peering.NewProcHost(peering.ProcHostOptWithLogger(l))
	r, err := peering.NewRouter(peering.RouterConfig{
		Type: c.Type,
		Host: host,
	}, peering.RouterOptWithLogger(l))
	if err != nil {
		return err
	}

	r.SetOnMessage(func(data any) {
		l.Sugar().Infof("message: %v", data)
	})
	r.SetOnBroadcast(func(data any) {
		l.Sugar().Infof("broadcast: %v", data)
	})
	if err := r.Start(); err != nil {
		return err
	}

	<-host.Done()
	return r.Dispose()
}
