package cell

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/journal"
	"github.com/holo/conductor/internal/keystore"
	"github.com/holo/conductor/internal/ribosome"
	"github.com/holo/conductor/internal/workflow"
)

func newTestCell(t *testing.T) *Cell {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.bolt"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	store, err := dhtstore.Open(filepath.Join(t.TempDir(), "ops.bolt"), 16)
	if err != nil {
		t.Fatalf("open dhtstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	idx, err := activity.Open(filepath.Join(t.TempDir(), "activity.bolt"))
	if err != nil {
		t.Fatalf("open activity: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	ks := keystore.New()
	t.Cleanup(ks.Close)
	agent, err := ks.NewAgent()
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	return New(Config{
		Agent:     agent,
		DnaHash:   holo.ComputeHash(holo.HashTypeExternal, []byte("dna")),
		ZomeNames: []string{"integrity", "coordinator"},
		Journal:   j,
		DhtStore:  store,
		Activity:  idx,
		Keystore:  ks,
		Debounce:  time.Millisecond,
	})
}

func waitForStage(t *testing.T, c *Cell, stage dhtstore.Stage, min int) []dhtstore.HashedRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := c.DhtStore.ScanStage(stage)
		if err != nil {
			t.Fatalf("scan stage: %v", err)
		}
		if len(recs) >= min {
			return recs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("stage %d never reached %d records", stage, min)
	return nil
}

func TestCallZomeDrivesCreateThroughToIntegration(t *testing.T) {
	c := newTestCell(t)
	err := c.CallZome(func(r *ribosome.Ribosome) error {
		_, err := r.Create(ribosome.ZomeCall, "coordinator", "make_thing", 1, holo.Public, []byte("hello"))
		return err
	})
	if err != nil {
		t.Fatalf("call zome: %v", err)
	}

	integrated := waitForStage(t, c, dhtstore.StageIntegrated, 1)

	var sawAgentActivity bool
	for _, hr := range integrated {
		if hr.Record.Op.Type == holo.OpRegisterAgentActivity {
			sawAgentActivity = true
			if !hr.Record.Op.Action.Action.Author.Equal(c.Agent) {
				t.Fatalf("unexpected author on integrated activity op")
			}
		}
	}
	if !sawAgentActivity {
		t.Fatalf("expected a RegisterAgentActivity op to integrate")
	}

	status, _, _, err := c.Activity.Status(c.Agent)
	if err != nil {
		t.Fatalf("activity status: %v", err)
	}
	if status != activity.StatusValid {
		t.Fatalf("expected the agent's chain to be valid after integration, got %v", status)
	}
}

func TestSysValidationRejectsBadSignature(t *testing.T) {
	c := newTestCell(t)
	a := holo.Action{
		Kind:      holo.ActionCreate,
		Author:    c.Agent,
		Timestamp: holo.NewTimestamp(),
		ActionSeq: 0,
		EntryType: 1,
	}
	tampered := holo.SignedAction{Action: a} // zero signature, never verifies
	op := holo.DhtOp{Type: holo.OpStoreRecord, Basis: a.Author.Location(), Action: tampered}
	if err := c.DhtStore.InsertOp(op, dhtstore.SourceGossiped, dhtstore.StagePending); err != nil {
		t.Fatalf("insert op: %v", err)
	}
	if err := c.Scheduler.Fire(workflow.TriggerSysValidation); err != nil {
		t.Fatalf("fire: %v", err)
	}
	rejected := waitForStage(t, c, dhtstore.StageRejected, 1)
	if len(rejected) != 1 {
		t.Fatalf("expected exactly one rejected op, got %d", len(rejected))
	}
}
