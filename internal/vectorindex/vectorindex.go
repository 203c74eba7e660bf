// Package vectorindex implements the approximate-nearest-neighbor store
// over known-sensitive reference embeddings used by the semantic detector
// (spec §2, §4.2). The default implementation is a linear-scan cosine-
// similarity index, adequate at the reference-catalogue sizes (hundreds to
// low thousands) a firewall's "known-sensitive" set realistically reaches.
package vectorindex

import (
	"math"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"promptfirewall/internal/model"
)

// Reference is one labeled, known-sensitive embedding in the index.
type Reference struct {
	ID       string            `yaml:"id" json:"id"`
	Label    string            `yaml:"label" json:"label"`
	Category string            `yaml:"category" json:"category"`
	Severity model.Severity    `yaml:"severity" json:"severity"`
	Vector   []float64         `yaml:"vector" json:"vector"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Match is one nearest-neighbor result, ranked by similarity.
type Match struct {
	Reference  Reference
	Similarity float64
	Rank       int
}

// Index is the read side of the vector store: top-K cosine similarity
// search. Implementations must be safe for concurrent use.
type Index interface {
	Query(vector []float64, k int) ([]Match, error)
}

// MemoryIndex is an in-memory, snapshot-swapped Index (spec §5, §9:
// "shared mutable configuration -> snapshot swap"), grounded on the
// teacher's RWMutex-guarded stores adapted to an atomic published snapshot.
type MemoryIndex struct {
	refs atomic.Pointer[[]Reference]
}

// NewMemoryIndex builds a MemoryIndex over the given references.
func NewMemoryIndex(refs []Reference) *MemoryIndex {
	idx := &MemoryIndex{}
	idx.Reload(refs)
	return idx
}

// Reload atomically swaps the published reference set.
func (idx *MemoryIndex) Reload(refs []Reference) {
	cp := make([]Reference, len(refs))
	copy(cp, refs)
	idx.refs.Store(&cp)
}

// Query returns the top-k references by cosine similarity to vector,
// descending. k<=0 defaults to returning every reference.
func (idx *MemoryIndex) Query(vector []float64, k int) ([]Match, error) {
	refsPtr := idx.refs.Load()
	if refsPtr == nil {
		return nil, nil
	}
	refs := *refsPtr

	matches := make([]Match, 0, len(refs))
	for _, r := range refs {
		sim := CosineSimilarity(vector, r.Vector)
		matches = append(matches, Match{Reference: r, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if k > 0 && k < len(matches) {
		matches = matches[:k]
	}
	for i := range matches {
		matches[i].Rank = i + 1
	}
	return matches, nil
}

// Len reports how many references are currently loaded.
func (idx *MemoryIndex) Len() int {
	refsPtr := idx.refs.Load()
	if refsPtr == nil {
		return 0
	}
	return len(*refsPtr)
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors, returning 0 for mismatched lengths or zero-magnitude input.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// referenceFile is the on-disk YAML shape for a reference catalogue.
type referenceFile struct {
	References []Reference `yaml:"references"`
}

// LoadFile reads a YAML reference catalogue and builds a MemoryIndex.
func LoadFile(path string) (*MemoryIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f referenceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return NewMemoryIndex(f.References), nil
}
