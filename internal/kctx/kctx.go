// Package kctx constructs SERAPH's single boot-time context: the VOID
// registry, the scheduler, and the DSM/persistence fabrics every
// subsystem constructor is handed explicitly.
package kctx

import (
	"seraph/internal/dsm"
	"seraph/internal/persist"
	"seraph/internal/sched"
	"seraph/internal/vclock"
	"seraph/internal/voidreg"
)

// Config is the set of boot-time tunables a deployment picks once.
type Config struct {
	LocalNode vclock.NodeID
	NumCPUs int
	VoidCapacity int
}

// Context is the constructed-at-boot struct every subsystem
// constructor takes a reference to, in place of a global singleton.
type Context struct {
	Void *voidreg.Registry
	Sched *sched.Scheduler
	DSMFabric *dsm.Fabric
	PersistFabric *persist.Fabric
	LocalNode vclock.NodeID
}

// New constructs a Context from cfg.
func New(cfg Config) *Context {
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = 1
	}
	if cfg.VoidCapacity <= 0 {
		cfg.VoidCapacity = 4096
	}
	void:= voidreg.New(cfg.VoidCapacity)
	return &Context{
		Void: void,
		Sched: sched.New(void, cfg.NumCPUs),
		DSMFabric: dsm.NewFabric(),
		PersistFabric: persist.NewFabric(),
		LocalNode: cfg.LocalNode,
	}
}

// NewDSMNode wires a DSM node for this context's local node identity,
// registering it with the shared fabric.
func (c *Context) NewDSMNode(cache *dsm.Cache, dir *dsm.Directory) *dsm.Node {
	return dsm.NewNode(c.LocalNode, c.DSMFabric, cache, dir, c.Void, c.Sched)
}

// NewPersistBridge wires a persistence bridge for this context's local
// node identity, registering it with the shared persistence fabric.
func (c *Context) NewPersistBridge(device persist.BlockDevice_i, maxInFlight int) *persist.Bridge {
	return persist.NewBridge(c.LocalNode, c.PersistFabric, device, c.Void, c.Sched, maxInFlight)
}
