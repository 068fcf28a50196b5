package cell

import (
	"context"
	"strings"
	"time"

	"github.com/holo/conductor/internal/appval"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/sysval"
	"github.com/holo/conductor/internal/workflow"
)

// runSysValidation implements the sys_validation trigger (§4.5/§4.12):
// every op at StagePending or StageAwaitingSysDeps is run through
// sysval.Validate once. Valid ops advance to StageAwaitingAppDeps and the
// app_validation trigger fires; unresolved dependencies keep the op at
// StageAwaitingSysDeps up to the retry cap; anything Rejected is final.
func (c *Cell) runSysValidation(ctx context.Context) error {
	var toValidate []dhtstore.HashedRecord
	for _, stage := range []dhtstore.Stage{dhtstore.StagePending, dhtstore.StageAwaitingSysDeps} {
		recs, err := c.DhtStore.ScanStage(stage)
		if err != nil {
			return &workflow.TransientError{Err: err}
		}
		toValidate = append(toValidate, recs...)
	}
	if len(toValidate) == 0 {
		return nil
	}

	advanced := false
	for _, hr := range toValidate {
		result := sysval.Validate(hr.Record.Op, c.SysDeps)
		switch result.Outcome {
		case holo.Valid:
			if err := c.DhtStore.SetStage(hr.Hash, dhtstore.StageAwaitingAppDeps); err != nil {
				return &workflow.TransientError{Err: err}
			}
			advanced = true
		case holo.Rejected:
			if _, err := c.Integrator.Reject(hr.Record.Op, hr.Record.Source, holo.WarrantInvalidAction, result.Reason); err != nil {
				return &workflow.TransientError{Err: err}
			}
		case holo.AwaitingDependency:
			if err := c.fetchSysDeps(ctx, result.AwaitingDeps); err != nil {
				return &workflow.TransientError{Err: err}
			}
			tries, err := c.DhtStore.IncrementSysValidationTries(hr.Hash)
			if err != nil {
				return &workflow.TransientError{Err: err}
			}
			if tries >= c.SysDeps.RetryCap() {
				if err := c.Integrator.Abandon(hr.Record.Op); err != nil {
					return &workflow.TransientError{Err: err}
				}
				continue
			}
			if err := c.DhtStore.SetStage(hr.Hash, dhtstore.StageAwaitingSysDeps); err != nil {
				return &workflow.TransientError{Err: err}
			}
		}
	}
	if advanced {
		return c.Scheduler.Fire(workflow.TriggerAppValidation)
	}
	return nil
}

// fetchSysDeps pulls each hash in deps from a known authority via Fetcher
// and inserts whatever comes back as integrated, so the next sys_validation
// pass's Deps lookups (backed by the local store) resolve it (§4.5: "fetched
// via Publish/Fetch; the op is re-validated once they arrive"). A transient
// fetch failure for one hash is not fatal -- it just leaves that dependency
// unresolved for the next retry.
func (c *Cell) fetchSysDeps(ctx context.Context, deps []holo.Hash) error {
	if c.Fetcher == nil || c.Publisher == nil || len(deps) == 0 {
		return nil
	}
	byPeer := make(map[string][]holo.Hash)
	for _, h := range deps {
		peers := c.Publisher.Locator.QueryByLocation(h.Location())
		if len(peers) == 0 {
			continue
		}
		byPeer[peers[0]] = append(byPeer[peers[0]], h)
	}
	for peerID, hashes := range byPeer {
		ops, err := c.Fetcher.Fetch(ctx, peerID, hashes)
		if err != nil {
			continue
		}
		for _, op := range ops {
			if err := c.DhtStore.InsertOp(op, dhtstore.SourceFetched, dhtstore.StageIntegrated); err != nil {
				return err
			}
		}
	}
	return nil
}

// runAppValidation implements the app_validation trigger (§4.6/§4.12):
// every StageAwaitingAppDeps op is dispatched to every installed integrity
// zome's validate callback. A unanimous Valid verdict hands the op to the
// in-memory integrate queue and wakes integrate_dht_ops; any Rejected
// verdict is final; an unresolved verdict is retried up to the same cap
// sys validation uses.
func (c *Cell) runAppValidation(ctx context.Context) error {
	recs, err := c.DhtStore.ScanStage(dhtstore.StageAwaitingAppDeps)
	if err != nil {
		return &workflow.TransientError{Err: err}
	}
	if len(recs) == 0 {
		return nil
	}

	host := validateHost{c.Ribosome}
	readied := false
	for _, hr := range recs {
		result := appval.Dispatch(hr.Record.Op, c.Validators, host)
		switch result.Outcome {
		case holo.Valid:
			c.mu.Lock()
			c.readyToIntegrate = append(c.readyToIntegrate, readyOp{Hash: hr.Hash, Op: hr.Record.Op})
			c.mu.Unlock()
			readied = true
		case holo.Rejected:
			if _, err := c.Integrator.Reject(hr.Record.Op, hr.Record.Source, holo.WarrantInvalidChainOp, strings.Join(result.Reasons, "; ")); err != nil {
				return &workflow.TransientError{Err: err}
			}
		case holo.AwaitingDependency:
			tries, err := c.DhtStore.IncrementSysValidationTries(hr.Hash)
			if err != nil {
				return &workflow.TransientError{Err: err}
			}
			if tries >= c.SysDeps.RetryCap() {
				if err := c.Integrator.Abandon(hr.Record.Op); err != nil {
					return &workflow.TransientError{Err: err}
				}
			}
		}
	}
	if readied {
		return c.Scheduler.Fire(workflow.TriggerIntegrateDhtOps)
	}
	return nil
}

// runIntegrateDhtOps implements the integrate_dht_ops trigger (§4.7/§4.12):
// it drains the ops app_validation handed off, promotes each to
// StageIntegrated via the Integrator (which also maintains the
// agent-activity index and issues any ChainFork warrant), and wakes
// publish_dht_ops for anything this cell authored.
func (c *Cell) runIntegrateDhtOps(ctx context.Context) error {
	c.mu.Lock()
	batch := c.readyToIntegrate
	c.readyToIntegrate = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	authoredAny := false
	for _, ro := range batch {
		if _, err := c.Integrator.Integrate(ro.Op); err != nil {
			return &workflow.TransientError{Err: err}
		}
		if ro.Op.Action.Action.Author.Equal(c.Agent) {
			authoredAny = true
		}
	}
	if authoredAny && c.Publisher != nil {
		return c.Scheduler.Fire(workflow.TriggerPublishDhtOps)
	}
	return nil
}

// runPublishDhtOps implements the publish_dht_ops trigger (§4.9/§4.12):
// every integrated, self-authored, not-yet-published op is pushed via the
// Publisher, which retries with backoff until enough distinct authorities
// ack or are observed gossiping it back.
func (c *Cell) runPublishDhtOps(ctx context.Context) error {
	if c.Publisher == nil {
		return nil
	}
	recs, err := c.DhtStore.ScanStage(dhtstore.StageIntegrated)
	if err != nil {
		return &workflow.TransientError{Err: err}
	}
	for _, hr := range recs {
		if hr.Record.Source != dhtstore.SourceAuthored || hr.Record.PublishedAt != 0 {
			continue
		}
		if err := c.Publisher.Publish(ctx, hr.Record.Op); err != nil {
			return &workflow.TransientError{Err: err}
		}
		if err := c.DhtStore.MarkPublished(hr.Hash, time.Now().UnixNano()); err != nil {
			return &workflow.TransientError{Err: err}
		}
	}
	return nil
}
