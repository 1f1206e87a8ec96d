// Package diffmodel is the structured representation of filesystem changes
// produced by a world execution — shared by the copydiff and overlay
// backends and by the replay engine's divergence classifier.
package diffmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Caps bound how large a single diff can grow before it is truncated.
// Mirrors the original implementation's MAX_ENTRIES/MAX_BYTES_SAMPLE.
const (
	MaxEntries    = 10_000
	MaxSampleByte = 10 * 1024 * 1024 // cumulative sampled bytes across compares
)

// FsDiff is an ordered record of paths written, modified, and deleted,
// relative to a world's project root.
type FsDiff struct {
	Writes      []string          `json:"writes"`
	Mods        []string          `json:"mods"`
	Deletes     []string          `json:"deletes"`
	Truncated   bool              `json:"truncated,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	TreeHash    string            `json:"tree_hash,omitempty"`
	DisplayPath map[string]string `json:"display_path,omitempty"`
}

// Empty reports whether the diff has no recorded changes.
func (d FsDiff) Empty() bool {
	return len(d.Writes) == 0 && len(d.Mods) == 0 && len(d.Deletes) == 0
}

// Hash computes a deterministic SHA-256 over the sorted (kind, path) tuples.
// Callers pay for this only when they need it (overlay overflow, replay
// comparison) — it is not computed as part of normal diff building.
func (d FsDiff) Hash() string {
	entries := make([]string, 0, len(d.Writes)+len(d.Mods)+len(d.Deletes))
	for _, p := range d.Writes {
		entries = append(entries, "w:"+p)
	}
	for _, p := range d.Mods {
		entries = append(entries, "m:"+p)
	}
	for _, p := range d.Deletes {
		entries = append(entries, "d:"+p)
	}
	sort.Strings(entries)
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Builder accumulates diff entries while enforcing the entry/byte caps.
// Once the cap trips, Truncated is set and further Add* calls are no-ops
// aside from bumping the dropped count used to compose Summary.
type Builder struct {
	writes  map[string]bool
	mods    map[string]bool
	deletes map[string]bool

	entries     int
	sampleBytes int
	truncated   bool
	dropped     int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		writes:  make(map[string]bool),
		mods:    make(map[string]bool),
		deletes: make(map[string]bool),
	}
}

func (b *Builder) full() bool {
	return b.entries >= MaxEntries || b.sampleBytes >= MaxSampleByte
}

// AddWrite records a written path. If the path was previously recorded as a
// delete, the pair is left as delete+write (type-change modelling) rather
// than being merged — callers that want a straight mod should call AddMod.
func (b *Builder) AddWrite(path string) {
	b.add(b.writes, path, 0)
}

// AddMod records a modified path. mod entries never also appear in writes
// or deletes for the same path.
func (b *Builder) AddMod(path string, sampledBytes int) {
	if b.writes[path] {
		delete(b.writes, path)
	}
	b.add(b.mods, path, sampledBytes)
}

// AddDelete records a deleted path.
func (b *Builder) AddDelete(path string) {
	b.add(b.deletes, path, 0)
}

func (b *Builder) add(set map[string]bool, path string, sampledBytes int) {
	if b.truncated {
		b.dropped++
		return
	}
	if b.full() {
		b.truncated = true
		b.dropped++
		return
	}
	if !set[path] {
		set[path] = true
		b.entries++
	}
	b.sampleBytes += sampledBytes
}

// Build finalizes the diff. Writes and Deletes are disjoint except for a path
// recorded as both a delete and a write (a type change), which is listed in
// both.
func (b *Builder) Build() FsDiff {
	d := FsDiff{
		Writes:  sortedKeys(b.writes),
		Mods:    sortedKeys(b.mods),
		Deletes: sortedKeys(b.deletes),
	}
	if b.truncated {
		d.Truncated = true
		d.Summary = fmt.Sprintf("diff truncated after %d entries (%d more dropped)", b.entries, b.dropped)
	}
	return d
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
