// Package report accumulates compile statistics as cpudslc walks each
// dispatch table, and writes them out as JSON when --stats is given.
package report

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
)

// TableStats summarizes one dispatch table's specialization run.
type TableStats struct {
	Table             string `json:"table"`
	Opcodes           int    `json:"opcodes"`
	Specializations   int    `json:"specializations"`
	SharedBodies      int    `json:"shared_bodies"`
	Unimplemented     int    `json:"unimplemented"`
}

// Stats is a mutex-protected accumulator of TableStats, one entry per
// dispatch table, built up concurrently-safely even though cpudslc's
// current build pass is single-threaded — mirroring the teacher's
// Table type, which guards the same kind of append-only result set.
type Stats struct {
	mu     sync.Mutex
	tables map[string]*TableStats
}

// NewStats creates an empty accumulator.
func NewStats() *Stats {
	return &Stats{tables: map[string]*TableStats{}}
}

// Record stores one table's statistics, replacing any earlier entry for
// the same table.
func (s *Stats) Record(t TableStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t.Table] = &t
}

// Tables returns every recorded TableStats, sorted by table name.
func (s *Stats) Tables() []TableStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]TableStats, 0, len(names))
	for _, name := range names {
		out = append(out, *s.tables[name])
	}
	return out
}

// WriteJSON flushes the accumulated statistics to path as indented JSON.
func (s *Stats) WriteJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s.Tables())
}

// ReadJSON loads a previously written stats file, for inspection or
// diffing between compiler runs.
func ReadJSON(path string) ([]TableStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []TableStats
	if err := json.NewDecoder(f).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
