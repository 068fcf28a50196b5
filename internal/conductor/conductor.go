package conductor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/appval"
	"github.com/holo/conductor/internal/cell"
	"github.com/holo/conductor/internal/chc"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/journal"
	"github.com/holo/conductor/internal/keystore"
	"github.com/holo/conductor/internal/publish"
)

const signalTopicName = "holo/signals/v1"

// ZomeCallHandler is what an installed app registers to answer a
// call_remote/remote_signal addressed to one of its own agents; see
// Conductor.RegisterZomeCallHandler.
type ZomeCallHandler func(ctx context.Context, zome, function string, payload []byte) ([]byte, error)

// SignalSubscriber receives a remote_signal/emit_signal payload, along with
// the agent it targeted (the zero Agent for a local emit_signal with no
// specific target).
type SignalSubscriber func(target holo.Agent, payload []byte)

// AppSpec is what InstallApp records about one installed app, shared by
// every agent that later enables it.
type AppSpec struct {
	DnaHash        holo.Hash
	ZomeNames      []string
	Validators     appval.Registry
	EntryTypeValid func(idx uint32) bool
	LinkTypeValid  func(zomeIndex uint8, linkType uint8) bool
	MaxRetries     int
	CHC            chc.Hook // nil means no coordinator, the common case
}

type cellKey struct {
	AppID string
	Agent holo.Agent
}

// Config configures a Conductor.
type Config struct {
	DataDir    string
	ListenAddr string // libp2p multiaddr, e.g. "/ip4/0.0.0.0/tcp/0"
	Logger     *logrus.Logger
}

// Conductor is a node hosting zero or more Cells, one per (app, agent)
// pair, sharing one Keystore, one libp2p host, and one PeerStore (§4.14).
type Conductor struct {
	DataDir   string
	Keystore  *keystore.Keystore
	Host      host.Host
	PeerStore *PeerStore
	Log       *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pubsub      *pubsub.PubSub
	signalTopic *pubsub.Topic
	signalSub   *pubsub.Subscription

	mu          sync.Mutex
	apps        map[string]AppSpec
	cells       map[cellKey]*cell.Cell
	journals    map[holo.Agent]*journal.Store
	dhtstores   map[holo.Agent]*dhtstore.Store
	activities  map[holo.Agent]*activity.Index
	callHandlers map[cellKey]ZomeCallHandler
	subscribers []SignalSubscriber
}

// New starts a Conductor: its libp2p host, gossipsub signal bus, and
// keystore actor. Call Close to tear everything down.
func New(cfg Config) (*Conductor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = "/ip4/127.0.0.1/tcp/0"
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("conductor: create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("conductor: create gossipsub: %w", err)
	}
	topic, err := ps.Join(signalTopicName)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("conductor: join signal topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("conductor: subscribe signal topic: %w", err)
	}

	c := &Conductor{
		DataDir:      cfg.DataDir,
		Keystore:     keystore.New(),
		Host:         h,
		PeerStore:    NewPeerStore(),
		Log:          logger,
		ctx:          ctx,
		cancel:       cancel,
		pubsub:       ps,
		signalTopic:  topic,
		signalSub:    sub,
		apps:         make(map[string]AppSpec),
		cells:        make(map[cellKey]*cell.Cell),
		journals:     make(map[holo.Agent]*journal.Store),
		dhtstores:    make(map[holo.Agent]*dhtstore.Store),
		activities:   make(map[holo.Agent]*activity.Index),
		callHandlers: make(map[cellKey]ZomeCallHandler),
	}
	go c.readSignals()
	c.Log.WithField("peer_id", h.ID().String()).Info("conductor started")
	return c, nil
}

// Close tears down the libp2p host and stops the keystore actor.
func (c *Conductor) Close() error {
	c.cancel()
	c.signalSub.Cancel()
	c.Keystore.Close()
	c.mu.Lock()
	for _, j := range c.journals {
		j.Close()
	}
	for _, s := range c.dhtstores {
		s.Close()
	}
	for _, a := range c.activities {
		a.Close()
	}
	c.mu.Unlock()
	return c.Host.Close()
}

func (c *Conductor) agentStorePaths(agent holo.Agent) (journalPath, dhtPath, activityPath string) {
	dir := filepath.Join(c.DataDir, agent.String())
	return filepath.Join(dir, "journal.bolt"), filepath.Join(dir, "ops.bolt"), filepath.Join(dir, "activity.bolt")
}

// openAgentStores lazily opens (or returns already-open) per-agent stores.
// Stores are keyed by agent, not by (app, agent): every cell for the same
// agent shares one journal the way one hApp install in real Holochain
// shares the conductor's keystore across every cell it runs.
func (c *Conductor) openAgentStores(agent holo.Agent) (*journal.Store, *dhtstore.Store, *activity.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.journals[agent]; ok {
		return j, c.dhtstores[agent], c.activities[agent], nil
	}
	jp, dp, ap := c.agentStorePaths(agent)
	j, err := journal.Open(jp)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("conductor: open journal for %s: %w", agent, err)
	}
	store, err := dhtstore.Open(dp, 4096)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("conductor: open dht store for %s: %w", agent, err)
	}
	idx, err := activity.Open(ap)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("conductor: open activity index for %s: %w", agent, err)
	}
	c.journals[agent] = j
	c.dhtstores[agent] = store
	c.activities[agent] = idx
	return j, store, idx, nil
}

// readSignals delivers every gossipsub-broadcast signal addressed to a
// locally enabled agent (or addressed to nobody in particular) to this
// node's local subscribers.
func (c *Conductor) readSignals() {
	for {
		msg, err := c.signalSub.Next(c.ctx)
		if err != nil {
			return // context cancelled on Close
		}
		if msg.ReceivedFrom == c.Host.ID() {
			continue // gossipsub already suppresses this, but be explicit
		}
		var env signalEnvelope
		if err := msgpack.Unmarshal(msg.Data, &env); err != nil {
			c.Log.WithError(err).Warn("conductor: malformed signal envelope")
			continue
		}
		c.deliverSignal(env)
	}
}

type signalEnvelope struct {
	Targets []holo.Agent
	Payload []byte
}

func (c *Conductor) deliverSignal(env signalEnvelope) {
	c.mu.Lock()
	subs := append([]SignalSubscriber(nil), c.subscribers...)
	locallyEnabled := make(map[holo.Agent]bool)
	for key := range c.cells {
		locallyEnabled[key.Agent] = true
	}
	c.mu.Unlock()

	if len(env.Targets) == 0 {
		for _, s := range subs {
			s(holo.Agent{}, env.Payload)
		}
		return
	}
	for _, t := range env.Targets {
		if !locallyEnabled[t] {
			continue
		}
		for _, s := range subs {
			s(t, env.Payload)
		}
	}
}

// Subscribe registers fn to receive every signal this node delivers
// locally, whether from EmitSignal or a broadcast RemoteSignal.
func (c *Conductor) Subscribe(fn SignalSubscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// RegisterZomeCallHandler lets appID's own code answer call_remote
// invocations addressed to agent, once that (appID, agent) cell is
// enabled. CallRemote looks this registry up rather than dispatching into
// zome code generically, since invoking a specific guest function is an
// app-runtime concern this module doesn't implement.
func (c *Conductor) RegisterZomeCallHandler(appID string, agent holo.Agent, h ZomeCallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callHandlers[cellKey{AppID: appID, Agent: agent}] = h
}

// CallRemote implements ribosome.Dispatcher by looking up a registered
// handler for target across every installed app (first match wins, since a
// given agent key is expected to run one cell of one app in practice).
func (c *Conductor) CallRemote(ctx context.Context, target holo.Agent, zome, function string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	var handler ZomeCallHandler
	for key, h := range c.callHandlers {
		if key.Agent.Equal(target) {
			handler = h
			break
		}
	}
	c.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("conductor: no call_remote handler registered for agent %s", target)
	}
	return handler(ctx, zome, function, payload)
}

// RemoteSignal broadcasts payload to targets over the node's gossipsub
// signal topic; every conductor subscribed to the topic whose locally
// enabled agents intersect targets delivers it to its own subscribers.
func (c *Conductor) RemoteSignal(ctx context.Context, targets []holo.Agent, payload []byte) error {
	b, err := msgpack.Marshal(signalEnvelope{Targets: targets, Payload: payload})
	if err != nil {
		return fmt.Errorf("conductor: encode signal: %w", err)
	}
	return c.signalTopic.Publish(ctx, b)
}

// EmitSignal delivers payload to this node's own local subscribers only,
// per §4.11's "surfaces payload to the conductor's local signal
// subscribers" (no network hop).
func (c *Conductor) EmitSignal(payload []byte) {
	c.mu.Lock()
	subs := append([]SignalSubscriber(nil), c.subscribers...)
	c.mu.Unlock()
	for _, s := range subs {
		s(holo.Agent{}, payload)
	}
}

var _ = publish.AuthorityLocator(nil) // PeerStore satisfies this; see peerstore.go
