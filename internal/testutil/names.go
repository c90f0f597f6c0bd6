package testutil

import (
	"fmt"
	"sync"
)

// SequentialNames generates temp-table name suffixes "0001", "0002", ...
//
// Bulk loaders name their temp tables with a random UUID; tests swap in
// this generator so statement text is byte-identical across runs.
//
// Thread-safety: SequentialNames is safe for concurrent use.
type SequentialNames struct {
	mu sync.Mutex
	n  int
}

// NewSequentialNames creates a generator whose first name is "0001".
func NewSequentialNames() *SequentialNames {
	return &SequentialNames{}
}

// Generate returns the next name suffix.
func (g *SequentialNames) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%04d", g.n)
}
