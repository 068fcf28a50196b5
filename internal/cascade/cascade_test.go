package cascade

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/journal"
	"github.com/holo/conductor/internal/keystore"
)

func newTestCascade(t *testing.T) (*Cascade, *keystore.Keystore) {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal.bolt"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	d, err := dhtstore.Open(filepath.Join(dir, "ops.bolt"), 16)
	if err != nil {
		t.Fatalf("open dhtstore: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	ks := keystore.New()
	t.Cleanup(ks.Close)
	return &Cascade{Journal: j, DhtStore: d}, ks
}

func TestGetAgentActivityReportsStatusWithoutFlags(t *testing.T) {
	c, ks := newTestCascade(t)
	idx, err := activity.Open(filepath.Join(t.TempDir(), "activity.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	c.Activity = &activity.Querier{Index: idx, Store: c.DhtStore}

	agent, _ := ks.NewAgent()
	resp, err := c.GetAgentActivity(agent, activity.ChainFilter{}, RequestActivityFlags{})
	require.NoError(t, err)
	require.Equal(t, activity.StatusEmpty, resp.Status)
	require.Empty(t, resp.Actions)
	require.Empty(t, resp.Warrants)
}

func TestGetAgentActivityWithoutActivityQuerierErrors(t *testing.T) {
	c, ks := newTestCascade(t)
	agent, _ := ks.NewAgent()
	_, err := c.GetAgentActivity(agent, activity.ChainFilter{}, RequestActivityFlags{})
	require.Error(t, err, "expected an error with no Activity configured")
}

func TestGetFromScratch(t *testing.T) {
	c, ks := newTestCascade(t)
	agent, _ := ks.NewAgent()
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionInitZomesComplete, Author: agent})
	h, _ := sa.Hash()
	scratch := &Scratch{Actions: []holo.SignedAction{sa}}

	rec, err := c.Get(context.Background(), h, scratch, Options{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || !recActionHash(t, rec).Equal(h) {
		t.Fatalf("expected scratch hit")
	}
}

func recActionHash(t *testing.T, rec *Record) holo.Hash {
	t.Helper()
	h, err := rec.Action.Hash()
	if err != nil {
		t.Fatalf("hash record action: %v", err)
	}
	return h
}

func TestGetFromLocalJournal(t *testing.T) {
	c, ks := newTestCascade(t)
	agent, _ := ks.NewAgent()
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionInitZomesComplete, Author: agent})
	if err := c.Journal.AppendBundle(agent, journal.Head{}, false, []holo.SignedAction{sa}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	h, _ := sa.Hash()

	rec, err := c.Get(context.Background(), h, nil, Options{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil || !recActionHash(t, rec).Equal(h) {
		t.Fatalf("expected journal hit")
	}
}

func TestGetLocalOnlyNeverCallsRemote(t *testing.T) {
	c, ks := newTestCascade(t)
	agent, _ := ks.NewAgent()
	unknown, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionInitZomesComplete, Author: agent})
	h, _ := unknown.Hash()
	c.Remotes = []RemoteAuthority{failIfCalled{t}}

	rec, err := c.Get(context.Background(), h, nil, Options{LocalOnly: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no record for an unknown hash")
	}
}

type failIfCalled struct{ t *testing.T }

func (f failIfCalled) FetchRecord(ctx context.Context, h holo.Hash) (*holo.DhtOp, error) {
	f.t.Fatalf("remote fetch should not have been called with LocalOnly set")
	return nil, nil
}

type fakeRemote struct {
	op *holo.DhtOp
}

func (f fakeRemote) FetchRecord(ctx context.Context, h holo.Hash) (*holo.DhtOp, error) {
	return f.op, nil
}

func TestGetFetchesRemoteOnMissAndCaches(t *testing.T) {
	c, ks := newTestCascade(t)
	agent, _ := ks.NewAgent()
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionInitZomesComplete, Author: agent})
	h, _ := sa.Hash()
	op := holo.DhtOp{Type: holo.OpRegisterAgentActivity, Basis: agent.Location(), Action: sa}
	c.Remotes = []RemoteAuthority{fakeRemote{op: &op}}

	rec, err := c.Get(context.Background(), h, nil, Options{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected remote hit")
	}
	if !recActionHash(t, rec).Equal(h) {
		t.Fatalf("unexpected record returned from remote")
	}

	cached, found, err := c.DhtStore.Get(mustHash(t, op))
	if err != nil || !found {
		t.Fatalf("expected op to be cached, found=%v err=%v", found, err)
	}
	if cached.Stage != dhtstore.StageIntegrated {
		t.Fatalf("expected cached stage to be integrated")
	}
}

func mustHash(t *testing.T, op holo.DhtOp) holo.Hash {
	t.Helper()
	h, err := op.Hash()
	if err != nil {
		t.Fatalf("hash op: %v", err)
	}
	return h
}

func TestGetLinksFiltersDeletedAndTagPrefix(t *testing.T) {
	c, ks := newTestCascade(t)
	agent, _ := ks.NewAgent()
	base := holo.ComputeHash(holo.HashTypeEntry, []byte("base"))
	target1 := holo.ComputeHash(holo.HashTypeEntry, []byte("target1"))
	target2 := holo.ComputeHash(holo.HashTypeEntry, []byte("target2"))

	create1, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionCreateLink, Author: agent, Base: base, Target: target1, LinkType: 1, Tag: []byte("profile.name"), Timestamp: 1})
	create2, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionCreateLink, Author: agent, Base: base, Target: target2, LinkType: 1, Tag: []byte("profile.email"), Timestamp: 2})
	op1 := holo.DhtOp{Type: holo.OpRegisterCreateLink, Basis: base.Location(), Action: create1}
	op2 := holo.DhtOp{Type: holo.OpRegisterCreateLink, Basis: base.Location(), Action: create2}
	for _, op := range []holo.DhtOp{op1, op2} {
		if err := c.DhtStore.InsertOp(op, dhtstore.SourceAuthored, dhtstore.StageIntegrated); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	create1Hash, _ := create1.Hash()
	deleteOp, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionDeleteLink, Author: agent, CreateLinkAction: create1Hash, Timestamp: 3})
	if err := c.DhtStore.InsertOp(holo.DhtOp{Type: holo.OpRegisterDeleteLink, Basis: base.Location(), Action: deleteOp}, dhtstore.SourceAuthored, dhtstore.StageIntegrated); err != nil {
		t.Fatalf("insert delete: %v", err)
	}

	links, err := c.GetLinks(context.Background(), base, nil, []byte("profile."), Options{})
	if err != nil {
		t.Fatalf("get links: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("expected exactly one live link after delete, got %d", len(links))
	}
	if !links[0].Target.Equal(target2) {
		t.Fatalf("expected the surviving link to target target2")
	}
}
