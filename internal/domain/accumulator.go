package domain

import "path/filepath"

// ObservationTable is the append-only set of observations gathered across
// every processed granule.
type ObservationTable struct {
	rows []Observation
}

// Append adds observations to the end of the table.
func (t *ObservationTable) Append(obs ...Observation) {
	t.rows = append(t.rows, obs...)
}

// Len returns the number of rows.
func (t *ObservationTable) Len() int { return len(t.rows) }

// Rows returns a copy of the table contents.
func (t *ObservationTable) Rows() []Observation {
	out := make([]Observation, len(t.rows))
	copy(out, t.rows)
	return out
}

// ProcessedFileSet records the basenames of granules that have already been
// attempted, successful or not.
type ProcessedFileSet struct {
	names map[string]struct{}
}

// Add records the basename of path.
func (s *ProcessedFileSet) Add(path string) {
	if s.names == nil {
		s.names = make(map[string]struct{})
	}
	s.names[filepath.Base(path)] = struct{}{}
}

// Has reports whether the basename of path was recorded.
func (s *ProcessedFileSet) Has(path string) bool {
	_, ok := s.names[filepath.Base(path)]
	return ok
}

// Len returns the number of recorded basenames.
func (s *ProcessedFileSet) Len() int { return len(s.names) }

// Filter returns the paths whose basename has not been recorded, in their
// original order. Duplicate basenames within paths are returned once.
func (s *ProcessedFileSet) Filter(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	var out []string
	for _, p := range paths {
		base := filepath.Base(p)
		if s.Has(base) {
			continue
		}
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Accumulator is the state carried from one cycle to the next. It is owned
// by a single loop driver and is not safe for concurrent use.
type Accumulator struct {
	Table     ObservationTable
	Processed ProcessedFileSet
}
