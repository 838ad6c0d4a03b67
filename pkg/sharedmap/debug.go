package sharedmap

// debug.go exposes Map's diagnostic Snapshot as an HTTP handler, the
// counterpart the teacher's cmd/arena-cache-inspect tool expects at
// /debug/arena-cache/snapshot (the inspect CLI's fetchSnapshot references
// that route, though the endpoint's own handler wasn't part of the
// retrieved teacher source — this fills that gap for sharedmap-inspect).
//
// © 2025 sharedmap authors. MIT License.

import (
	"encoding/json"
	"net/http"
)

// DebugSnapshot is the JSON payload served at the snapshot route: total
// size plus every segment's diagnostic state.
type DebugSnapshot struct {
	Size     int64             `json:"size"`
	Segments []SegmentSnapshot `json:"segments"`
}

// DebugHandler returns an http.Handler serving this Map's diagnostic
// snapshot as JSON. Intended to be mounted at a path such as
// "/debug/sharedmap/snapshot" alongside net/http/pprof's own handlers.
func (m *Map[K, V]) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := DebugSnapshot{Size: m.Size(), Segments: m.Snapshot()}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	})
}
