package conductor

import (
	"testing"
	"time"

	"github.com/holo/conductor/internal/appval"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/ribosome"
)

func newTestConductor(t *testing.T) *Conductor {
	t.Helper()
	c, err := New(Config{DataDir: t.TempDir(), ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("new conductor: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitForIntegrated(t *testing.T, c *Conductor, appID string, agent holo.Agent, min int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		states, err := c.DumpState()
		if err != nil {
			t.Fatalf("dump state: %v", err)
		}
		for _, s := range states {
			if s.AppID == appID && s.Agent.Equal(agent) && s.Integrated >= min {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("cell %s/%s never integrated %d ops", appID, agent, min)
}

func TestInstallEnableCallZomeIntegratesThroughConductor(t *testing.T) {
	c := newTestConductor(t)

	agent, err := c.Keystore.NewAgent()
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}

	c.InstallApp("notes", AppSpec{
		DnaHash:    holo.ComputeHash(holo.HashTypeExternal, []byte("notes-dna")),
		ZomeNames:  []string{"integrity", "coordinator"},
		Validators: appval.Registry{},
	})

	if _, err := c.EnableApp("notes", agent); err != nil {
		t.Fatalf("enable app: %v", err)
	}

	cells := c.ListCells()
	if len(cells) != 1 || cells[0].AppID != "notes" || !cells[0].Agent.Equal(agent) {
		t.Fatalf("unexpected cell listing: %+v", cells)
	}

	err = c.CallZome("notes", agent, func(r *ribosome.Ribosome) error {
		_, err := r.Create(ribosome.ZomeCall, "coordinator", "write_note", 1, holo.Public, []byte("hi"))
		return err
	})
	if err != nil {
		t.Fatalf("call zome: %v", err)
	}

	waitForIntegrated(t, c, "notes", agent, 1)
}

func TestEnableAppWithoutInstallFails(t *testing.T) {
	c := newTestConductor(t)
	agent, err := c.Keystore.NewAgent()
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if _, err := c.EnableApp("missing", agent); err == nil {
		t.Fatalf("expected error enabling an uninstalled app")
	}
}

func TestLocalSignalDeliveryDoesNotRequireNetwork(t *testing.T) {
	c := newTestConductor(t)
	received := make(chan []byte, 1)
	c.Subscribe(func(target holo.Agent, payload []byte) {
		received <- payload
	})
	c.EmitSignal([]byte("ping"))
	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Fatalf("unexpected payload: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("signal was not delivered locally")
	}
}
