// Example: three bootstrapped nodes sharing an in-process hub. A
// coordinator on rank 0 spawns workers on every rank through the node
// agents and greets them all with one binomial send.
package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/najoast/thorium/bootstrap"
	"github.com/najoast/thorium/config"
	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/message"
	"github.com/najoast/thorium/network"
)

const (
	actionHello message.Action = 10
	actionAck   message.Action = 11
)

func main() {
	const size = 3
	const perRank = 5

	scripts := core.NewRegistry()
	scripts.MustRegister("greeter", func() core.Behavior {
		return core.Routes{
			actionHello: func(ctx *core.Context, msg *message.Message) error {
				log.WithFields(log.Fields{"rank": ctx.Rank(), "actor": ctx.Name()}).
					Infof("received %q", msg.Payload)
				ctx.Send(msg.Source, actionAck, nil)
				return nil
			},
		}
	})

	hub := network.NewHub(size, 0)
	var apps []bootstrap.Application
	for rank := 0; rank < size; rank++ {
		cfg := config.DefaultConfig()
		cfg.Node.Rank = rank
		cfg.Node.Size = size
		cfg.Scheduler.Workers = 2
		cfg.Broadcast.Threshold = 2

		app, err := bootstrap.NewApplicationBuilder().
			WithConfig(cfg).
			WithScripts(scripts).
			WithTransport(hub.Endpoint(message.NodeRank(rank))).
			Build()
		if err != nil {
			log.WithError(err).Fatal("failed to build node")
		}
		if err := app.Start(context.Background()); err != nil {
			log.WithError(err).Fatal("failed to start node")
		}
		apps = append(apps, app)
	}

	done := make(chan struct{})
	_, err := apps[0].Node().Spawn(core.BehaviorFunc(func(ctx *core.Context) error {
		var workers []message.ActorName
		acks := 0
		ctx.AddRoute(actionAck, func(ctx *core.Context, msg *message.Message) error {
			acks++
			if acks == size*perRank {
				close(done)
			}
			return nil
		})

		for rank := 0; rank < size; rank++ {
			for i := 0; i < perRank; i++ {
				err := ctx.SpawnRemote(message.NodeRank(rank), "greeter", func(ctx *core.Context, reply *message.Message) error {
					name, err := message.UnpackName(reply.Payload)
					if err != nil || name == message.NoActor {
						return fmt.Errorf("spawn failed: %v", err)
					}
					workers = append(workers, name)
					if len(workers) == size*perRank {
						ctx.SendToMany(workers, actionHello, []byte("hello"))
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	}), message.NoActor)
	if err != nil {
		log.WithError(err).Fatal("failed to spawn coordinator")
	}

	select {
	case <-done:
		log.Info("every greeter answered")
	case <-time.After(10 * time.Second):
		log.Error("timed out waiting for greeters")
	}

	for i := len(apps) - 1; i >= 0; i-- {
		if err := apps[i].Shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("shutdown failed")
		}
	}
}
