package replicate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideNewerRemoteAccepted(t *testing.T) {
	local := Origin{Timestamp: 100, NodeID: 7}
	remote := Origin{Timestamp: 101, NodeID: 7}
	require.Equal(t, Accept, Decide(local, remote, 3))
}

func TestDecideOlderRemoteDiscarded(t *testing.T) {
	local := Origin{Timestamp: 100, NodeID: 7}
	remote := Origin{Timestamp: 99, NodeID: 3}
	require.Equal(t, Discard, Decide(local, remote, 3))
}

func TestDecideTimestampTieLowerNodeIDWins(t *testing.T) {
	local := Origin{Timestamp: 100, NodeID: 7}
	lowerRemote := Origin{Timestamp: 100, NodeID: 3}
	higherRemote := Origin{Timestamp: 100, NodeID: 9}
	require.Equal(t, Accept, Decide(local, lowerRemote, 1))
	require.Equal(t, Discard, Decide(local, higherRemote, 1))
}

// Scenario 1 from spec.md's acceptance-test table: a full tuple tie
// evaluated on the node that owns that origin id discards the replay.
func TestDecideFullTieOnOwningNodeDiscards(t *testing.T) {
	local := Origin{Timestamp: 100, NodeID: 7}
	remote := Origin{Timestamp: 100, NodeID: 7}
	require.Equal(t, Discard, Decide(local, remote, 7))
}

// Scenario 2: the same full tuple tie evaluated on a different node
// accepts — the rest of the cluster hasn't seen this write yet.
func TestDecideFullTieOnOtherNodeAccepts(t *testing.T) {
	local := Origin{Timestamp: 100, NodeID: 7}
	remote := Origin{Timestamp: 100, NodeID: 7}
	require.Equal(t, Accept, Decide(local, remote, 3))
}

func TestDecideIsTotalAndDeterministic(t *testing.T) {
	ids := []byte{0, 1, 2, 7, 255}
	timestamps := []int64{-1, 0, 1, 100, 1 << 40}
	for _, lt := range timestamps {
		for _, lid := range ids {
			for _, rt := range timestamps {
				for _, rid := range ids {
					local := Origin{Timestamp: lt, NodeID: lid}
					remote := Origin{Timestamp: rt, NodeID: rid}
					v1 := Decide(local, remote, lid)
					v2 := Decide(local, remote, lid)
					require.Equal(t, v1, v2, "Decide must be deterministic for identical inputs")
					require.True(t, v1 == Accept || v1 == Discard)
				}
			}
		}
	}
}
