// Package cell implements one (agent, app) pair's complete runtime,
// wiring the journal, DHT store, cascade, validators, integrator, gossip
// engine, publisher, ribosome and workflow scheduler into a single
// schedulable unit. A conductor hosts one Cell per installed app per agent.
package cell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/appval"
	"github.com/holo/conductor/internal/cascade"
	"github.com/holo/conductor/internal/chc"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/gossip"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/integration"
	"github.com/holo/conductor/internal/journal"
	"github.com/holo/conductor/internal/keystore"
	"github.com/holo/conductor/internal/publish"
	"github.com/holo/conductor/internal/ribosome"
	"github.com/holo/conductor/internal/sysval"
	"github.com/holo/conductor/internal/workflow"
)

// Config is everything needed to construct a Cell. Journal/DhtStore/
// Activity/Keystore are shared per agent across that agent's cells in the
// teacher's style of one store-per-concern rather than one store-per-cell;
// callers open them once per agent and pass the same handles into every
// Cell for that agent.
type Config struct {
	Agent     holo.Agent
	DnaHash   holo.Hash
	ZomeNames []string

	Journal  *journal.Store
	DhtStore *dhtstore.Store
	Activity *activity.Index
	Keystore *keystore.Keystore

	AppValidators  appval.Registry
	EntryTypeValid func(idx uint32) bool
	LinkTypeValid  func(zomeIndex uint8, linkType uint8) bool
	MaxRetries     int

	Remotes     []cascade.RemoteAuthority
	IsAuthority func(basis uint32) bool

	Dispatcher ribosome.Dispatcher
	Gossip     *gossip.Engine
	Publisher  *publish.Publisher

	// Fetcher pulls sys-validation dependencies missing from the local
	// store, per §4.5. Nil means AwaitingDependency ops just retry until
	// the cap without ever being actively chased down.
	Fetcher *publish.Fetcher

	// CHC is consulted after every zome call flush, per §9's optional
	// Chain Head Coordinator. Nil means no coordinator is configured,
	// the common case.
	CHC chc.Hook

	Debounce time.Duration
}

// Cell is one running (agent, app) pair.
type Cell struct {
	Agent   holo.Agent
	DnaHash holo.Hash

	Journal    *journal.Store
	DhtStore   *dhtstore.Store
	Activity   *activity.Index
	Cascade    *cascade.Cascade
	Keystore   *keystore.Keystore
	Integrator *integration.Integrator
	SysDeps    sysval.Deps
	Validators appval.Registry
	Gossip     *gossip.Engine
	Publisher  *publish.Publisher
	Fetcher    *publish.Fetcher
	Ribosome   *ribosome.Ribosome
	Scheduler  *workflow.Scheduler
	CHC        chc.Hook

	mu               sync.Mutex
	readyToIntegrate []readyOp
	sessions         map[holo.Hash]*countersigningSession
}

type readyOp struct {
	Hash holo.Hash
	Op   holo.DhtOp
}

// New wires a Cell from cfg and registers its workflow triggers.
func New(cfg Config) *Cell {
	casc := &cascade.Cascade{
		Journal:     cfg.Journal,
		DhtStore:    cfg.DhtStore,
		Remotes:     cfg.Remotes,
		IsAuthority: cfg.IsAuthority,
		Activity:    &activity.Querier{Index: cfg.Activity, Store: cfg.DhtStore},
	}
	integrator := &integration.Integrator{
		Store:     cfg.DhtStore,
		Activity:  cfg.Activity,
		Keystore:  cfg.Keystore,
		Authority: cfg.Agent,
	}
	ribo := &ribosome.Ribosome{
		Agent:      cfg.Agent,
		DnaHash:    cfg.DnaHash,
		ZomeNames:  cfg.ZomeNames,
		Journal:    cfg.Journal,
		DhtStore:   cfg.DhtStore,
		Cascade:    casc,
		Activity:   casc.Activity,
		Keystore:   cfg.Keystore,
		Dispatcher: cfg.Dispatcher,
	}

	c := &Cell{
		Agent:      cfg.Agent,
		DnaHash:    cfg.DnaHash,
		Journal:    cfg.Journal,
		DhtStore:   cfg.DhtStore,
		Activity:   cfg.Activity,
		Cascade:    casc,
		Keystore:   cfg.Keystore,
		Integrator: integrator,
		Validators: cfg.AppValidators,
		Gossip:     cfg.Gossip,
		Publisher:  cfg.Publisher,
		Fetcher:    cfg.Fetcher,
		Ribosome:   ribo,
		CHC:        cfg.CHC,
		sessions:   make(map[holo.Hash]*countersigningSession),
	}
	c.SysDeps = sysval.Deps{
		DnaHash: cfg.DnaHash,
		GetAction: func(h holo.Hash) (holo.SignedAction, bool, error) {
			rec, err := casc.Get(context.Background(), h, nil, cascade.Options{LocalOnly: true})
			if err != nil || rec == nil {
				return holo.SignedAction{}, false, err
			}
			return rec.Action, true, nil
		},
		GetEntry: func(h holo.Hash) (holo.Entry, bool, error) {
			return cfg.Journal.GetEntry(h)
		},
		EntryTypeValid: cfg.EntryTypeValid,
		LinkTypeValid:  cfg.LinkTypeValid,
		MaxRetries:     cfg.MaxRetries,
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	c.Scheduler = workflow.NewScheduler(debounce)
	c.Scheduler.Register(workflow.TriggerSysValidation, c.runSysValidation)
	c.Scheduler.Register(workflow.TriggerAppValidation, c.runAppValidation)
	c.Scheduler.Register(workflow.TriggerIntegrateDhtOps, c.runIntegrateDhtOps)
	c.Scheduler.Register(workflow.TriggerPublishDhtOps, c.runPublishDhtOps)
	c.Scheduler.Register(workflow.TriggerCountersigning, c.runCountersigning)
	return c
}

// CallZome runs fn against the cell's ribosome, flushing its writes on
// success and discarding them on error, then firing sys_validation so the
// freshly staged ops enter the pipeline without waiting on a debounce tick
// from some unrelated event.
//
// When a chc.Hook is configured, the newly flushed actions are also
// reported to it. This happens after the local commit rather than gating
// it, a simplification against §9's fuller "commit only once the
// coordinator accepts" framing, since retrofitting a pre-commit CHC round
// trip into AppendBundle's CAS-on-local-head path would mean teaching the
// journal about a second, remote head authority; see DESIGN.md.
func (c *Cell) CallZome(fn func(r *ribosome.Ribosome) error) error {
	if err := c.Ribosome.BeginCall(); err != nil {
		return fmt.Errorf("cell: begin call: %w", err)
	}
	if err := fn(c.Ribosome); err != nil {
		c.Ribosome.Discard()
		return err
	}
	hashes, err := c.Ribosome.Flush()
	if err != nil {
		return fmt.Errorf("cell: flush: %w", err)
	}
	if c.CHC != nil && len(hashes) > 0 {
		actions := make([]holo.SignedAction, 0, len(hashes))
		for _, h := range hashes {
			sa, ok, err := c.Journal.GetAction(h)
			if err != nil || !ok {
				continue
			}
			actions = append(actions, sa)
		}
		if err := c.CHC.AddRecords(context.Background(), c.Agent, actions); err != nil {
			return fmt.Errorf("cell: chc rejected committed actions: %w", err)
		}
	}
	return c.Scheduler.Fire(workflow.TriggerSysValidation)
}

// validateHost adapts the ribosome's must_get_* family to appval.Host, the
// deterministic, scratch-free surface integrity zome validate callbacks see
// (§4.11's Validate column).
type validateHost struct{ r *ribosome.Ribosome }

func (h validateHost) MustGetEntry(hsh holo.Hash) (holo.Entry, error) {
	return h.r.MustGetEntry(ribosome.Validate, "", "", hsh)
}

func (h validateHost) MustGetAction(hsh holo.Hash) (holo.SignedAction, error) {
	return h.r.MustGetAction(context.Background(), ribosome.Validate, "", "", hsh)
}

func (h validateHost) MustGetValidRecord(hsh holo.Hash) (holo.SignedAction, *holo.Entry, error) {
	rec, err := h.r.MustGetValidRecord(context.Background(), ribosome.Validate, "", "", hsh)
	if err != nil {
		return holo.SignedAction{}, nil, err
	}
	return rec.Action, rec.Entry, nil
}
