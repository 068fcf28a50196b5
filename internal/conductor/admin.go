package conductor

import (
	"fmt"
	"time"

	"github.com/holo/conductor/internal/cell"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/gossip"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/publish"
	"github.com/holo/conductor/internal/ribosome"
)

// InstallApp registers spec under appID, making it available to EnableApp.
// Installing twice under the same appID replaces the spec (a redeploy of
// the same app, not a new one).
func (c *Conductor) InstallApp(appID string, spec AppSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps[appID] = spec
	c.Log.WithFields(logFields{"app_id": appID, "dna_hash": spec.DnaHash.String()}).Info("app installed")
}

type logFields = map[string]interface{}

// EnableApp starts a Cell running appID as agent, opening that agent's
// shared journal/dht-store/activity-index on first use and wiring a fresh
// gossip Engine and publish Publisher over the conductor's libp2p host.
//
// The wire formats in internal/gossip and internal/publish carry no
// DNA/app discriminator, so the conductor can only usefully answer inbound
// publish/fetch requests for one cell's DHT store at a time: each
// EnableApp call re-registers the stream handlers against the
// newly-enabled cell, so a conductor running multiple enabled apps
// actively serves inbound publish/fetch only for the most recently
// enabled one (no inbound gossip handler is registered at all). Outbound gossip/publish (this cell pushing and pulling)
// is unaffected and correct for every enabled cell simultaneously.
func (c *Conductor) EnableApp(appID string, agent holo.Agent) (*cell.Cell, error) {
	c.mu.Lock()
	spec, ok := c.apps[appID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("conductor: app %q not installed", appID)
	}

	j, store, idx, err := c.openAgentStores(agent)
	if err != nil {
		return nil, err
	}

	selfArc := holo.FullArc(agent.Location())
	engine := &gossip.Engine{
		Store:   store,
		SelfArc: selfArc,
		Opener:  &gossip.LibP2POpener{Host: c.Host},
		LocalAgentInfos: func() [][]byte {
			return nil // local agent-info publishing is out of scope; see DESIGN.md
		},
		RecentWindow:  defaultRecentWindow,
		OpBatchSize:   256,
		MaxConcurrent: 8,
		Blocked:       c.PeerStore.IsBlocked,
	}
	pub := &publish.Publisher{
		Locator:       c.PeerStore,
		Transport:     &publish.LibP2PTransport{Host: c.Host},
		Store:         store,
		PublishTarget: defaultPublishTarget,
	}
	fetcher := &publish.Fetcher{
		Transport: &publish.LibP2PTransport{Host: c.Host},
		Store:     store,
	}

	cl := cell.New(cell.Config{
		Agent:          agent,
		DnaHash:        spec.DnaHash,
		ZomeNames:      spec.ZomeNames,
		Journal:        j,
		DhtStore:       store,
		Activity:       idx,
		Keystore:       c.Keystore,
		AppValidators:  spec.Validators,
		EntryTypeValid: spec.EntryTypeValid,
		LinkTypeValid:  spec.LinkTypeValid,
		MaxRetries:     spec.MaxRetries,
		CHC:            spec.CHC,
		Remotes:        nil, // cross-conductor cascade authorities: see DumpState/DESIGN.md
		IsAuthority: func(basis uint32) bool {
			return selfArc.Contains(basis)
		},
		Dispatcher: c,
		Gossip:     engine,
		Publisher:  pub,
		Fetcher:    fetcher,
	})

	key := cellKey{AppID: appID, Agent: agent}
	c.mu.Lock()
	c.cells[key] = cl
	c.mu.Unlock()

	publish.RegisterHandlers(c.Host,
		func(peerID string, op holo.DhtOp) bool {
			if c.PeerStore.IsBlocked(peerID) {
				return false
			}
			err := store.InsertOp(op, dhtstore.SourceFetched, dhtstore.StagePending)
			return err == nil
		},
		func(hashes []holo.Hash) []holo.DhtOp {
			ops, err := store.BulkFetchOps(hashes)
			if err != nil {
				return nil
			}
			return ops
		},
	)

	c.Log.WithFields(logFields{"app_id": appID, "agent": agent.String()}).Info("cell enabled")
	return cl, nil
}

const (
	defaultRecentWindow  = 24 * time.Hour
	defaultPublishTarget = 3
)

// BlockPeer stops publish and gossip from delivering ops to or accepting
// ops from peerID, the admin-interface equivalent of the original's
// `block_agent` (§8).
func (c *Conductor) BlockPeer(peerID string) {
	c.PeerStore.Block(peerID)
	c.Log.WithFields(logFields{"peer_id": peerID}).Info("peer blocked")
}

// UnblockPeer reverses BlockPeer.
func (c *Conductor) UnblockPeer(peerID string) {
	c.PeerStore.Unblock(peerID)
	c.Log.WithFields(logFields{"peer_id": peerID}).Info("peer unblocked")
}

// ListCells returns every currently enabled (appID, agent) pair.
func (c *Conductor) ListCells() []struct {
	AppID string
	Agent holo.Agent
} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]struct {
		AppID string
		Agent holo.Agent
	}, 0, len(c.cells))
	for key := range c.cells {
		out = append(out, struct {
			AppID string
			Agent holo.Agent
		}{AppID: key.AppID, Agent: key.Agent})
	}
	return out
}

// CallZome runs fn against the ribosome of the (appID, agent) cell, the
// conductor's equivalent of the admin/app interface's call_zome request.
func (c *Conductor) CallZome(appID string, agent holo.Agent, fn func(r *ribosome.Ribosome) error) error {
	c.mu.Lock()
	cl, ok := c.cells[cellKey{AppID: appID, Agent: agent}]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("conductor: no enabled cell for app %q agent %s", appID, agent)
	}
	return cl.CallZome(fn)
}

// CellState is the DumpState summary of one running cell's pipeline depth,
// used for operator visibility and tests.
type CellState struct {
	AppID             string
	Agent             holo.Agent
	Pending           int
	AwaitingSysDeps   int
	AwaitingAppDeps   int
	Integrated        int
	Rejected          int
	ChainStatus       string
	GossipQuarantined bool
}

// DumpState reports a point-in-time snapshot of every enabled cell, for
// operator diagnostics (the admin interface has no streaming introspection
// in this build, only this synchronous snapshot).
func (c *Conductor) DumpState() ([]CellState, error) {
	c.mu.Lock()
	cells := make(map[cellKey]*cell.Cell, len(c.cells))
	for k, v := range c.cells {
		cells[k] = v
	}
	c.mu.Unlock()

	out := make([]CellState, 0, len(cells))
	for key, cl := range cells {
		cs := CellState{AppID: key.AppID, Agent: key.Agent, GossipQuarantined: cl.Scheduler.Quarantined()}
		for stage, counter := range map[dhtstore.Stage]*int{
			dhtstore.StagePending:         &cs.Pending,
			dhtstore.StageAwaitingSysDeps: &cs.AwaitingSysDeps,
			dhtstore.StageAwaitingAppDeps: &cs.AwaitingAppDeps,
			dhtstore.StageIntegrated:      &cs.Integrated,
			dhtstore.StageRejected:        &cs.Rejected,
		} {
			recs, err := cl.DhtStore.ScanStage(stage)
			if err != nil {
				return nil, fmt.Errorf("conductor: scan stage for %s/%s: %w", key.AppID, key.Agent, err)
			}
			*counter = len(recs)
		}
		status, _, _, err := cl.Activity.Status(key.Agent)
		if err != nil {
			return nil, fmt.Errorf("conductor: activity status for %s/%s: %w", key.AppID, key.Agent, err)
		}
		cs.ChainStatus = status.String()
		out = append(out, cs)
	}
	return out, nil
}
