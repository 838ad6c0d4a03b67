// Package replicate implements spec component F: the pure, stateless,
// total last-write-wins acceptance rule a remote modification is checked
// against before being applied to a local entry.
//
// Grounded directly on spec.md §4.6's fully-specified tie-break table; the
// broader shape of "a replication tracker deciding accept vs. discard for
// an incoming remote op" was surveyed from
// other_examples' fs-registry.go replicationTracker, though this module's
// replication surface is deliberately narrower — only the decision
// function and the local-apply-under-write-lock path are in scope; the
// transport and bootstrap sides spec.md scopes out entirely.
//
// © 2025 sharedmap authors. MIT License.
package replicate

// Origin is a replicable entry's conflict-resolution identity: the
// wall-clock microseconds it was last written at, and the node that wrote
// it.
type Origin struct {
	Timestamp int64
	NodeID    byte
}

// Verdict is the outcome of Decide.
type Verdict int

const (
	// Discard means the remote modification must not be applied; the
	// local entry is kept as-is.
	Discard Verdict = iota
	// Accept means the remote modification must overwrite the local entry.
	Accept
)

func (v Verdict) String() string {
	if v == Accept {
		return "ACCEPT"
	}
	return "DISCARD"
}

// Decide applies spec.md §4.6's five-step tie-break algorithm: later
// timestamp wins; on a timestamp tie, lower node id wins; on a full tie
// (same timestamp and same node id), the outcome depends on whether that
// node id is the node evaluating the decision — see the paragraph on the
// currentNodeID parameter below.
//
// currentNodeID is the node evaluating this decision, not a property of
// either Origin. It resolves the one case where origin and remote are
// identical: that exact collision happens when a node is destroyed and
// restarted with a clock that lands on a value matching an entry it
// already holds locally. On that node (currentNodeID == local.NodeID), we
// want a genuinely new local write to win over the replay of bytes it
// already has, so the incoming remote op is discarded. On every other
// node, the same tuple equality is an ordinary replay of a write the rest
// of the cluster hasn't seen yet, so it is accepted.
func Decide(local, remote Origin, currentNodeID byte) Verdict {
	switch {
	case remote.Timestamp > local.Timestamp:
		return Accept
	case remote.Timestamp < local.Timestamp:
		return Discard
	case remote.NodeID < local.NodeID:
		return Accept
	case remote.NodeID > local.NodeID:
		return Discard
	default: // remote.Timestamp == local.Timestamp && remote.NodeID == local.NodeID
		if local.NodeID == currentNodeID {
			return Discard
		}
		return Accept
	}
}
