package cluster

import (
	log "github.com/sirupsen/logrus"

	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/message"
)

// agent is the actor at index 0 of every rank. It serves spawn requests from
// other nodes; the requester becomes the supervisor of the new actor.
type agent struct {
	node *Node
}

func newAgent(n *Node) *agent {
	return &agent{node: n}
}

func (a *agent) Init(ctx *core.Context) error {
	ctx.AddRoute(message.ActionSpawn, a.spawn)
	ctx.AddRoute(message.ActionNodeStart, a.nodeStart)
	ctx.AddRoute(message.ActionNotifyDeath, func(*core.Context, *message.Message) error { return nil })
	// the agent lives as long as its node
	ctx.AddRoute(message.ActionAskToStop, func(*core.Context, *message.Message) error { return nil })
	return nil
}

func (a *agent) spawn(ctx *core.Context, msg *message.Message) error {
	script := string(msg.Payload)
	name, err := a.node.SpawnScript(script, msg.Source)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"rank":   ctx.Rank(),
			"actor":  msg.Source,
			"script": script,
		}).Warn("remote spawn rejected")
		name = message.NoActor
	}
	return ctx.Reply(message.ActionSpawnReply, message.PackName(name))
}

func (a *agent) nodeStart(ctx *core.Context, msg *message.Message) error {
	log.WithFields(log.Fields{
		"rank":    ctx.Rank(),
		"agent":   ctx.Name(),
		"scripts": a.node.Scripts().Names(),
	}).Debug("node agent ready")
	return nil
}
