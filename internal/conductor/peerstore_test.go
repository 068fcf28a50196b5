package conductor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holo/conductor/internal/holo"
)

func TestBlockedPeerExcludedFromCandidatesAndLocation(t *testing.T) {
	ps := NewPeerStore()
	ps.Upsert("alice", holo.FullArc(0), nil)
	ps.Upsert("bob", holo.FullArc(0), nil)

	require.False(t, ps.IsBlocked("alice"), "alice should not be blocked yet")
	ps.Block("alice")
	require.True(t, ps.IsBlocked("alice"))

	require.NotContains(t, ps.QueryByLocation(0), "alice")
	var candidateIDs []string
	for _, p := range ps.Candidates() {
		candidateIDs = append(candidateIDs, p.ID)
	}
	require.NotContains(t, candidateIDs, "alice")

	ps.Unblock("alice")
	require.False(t, ps.IsBlocked("alice"))
	require.Contains(t, ps.QueryByLocation(0), "alice")
}
