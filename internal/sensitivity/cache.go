// Package sensitivity selects the state coordinates that participate in
// finite-difference differentiation.
package sensitivity

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/san-kum/diffsim/internal/codec"
	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/physics"
)

const DefaultEpsilon = 1e-6

func DefaultTargets() []string {
	return []string{"qpos", "qvel", "ctrl"}
}

// Cache is immutable once built.
type Cache struct {
	Layout      *codec.Layout
	InnerIdx    []int
	Mask        []float64
	Dim         int
	NumControls int
	Epsilon     float64
}

// Build selects every leaf whose path has a segment in targets. Targets that
// match nothing are ignored. nil targets select the defaults.
func Build(ref *physics.State, uRef []float64, targets []string, eps float64) (*Cache, error) {
	if eps <= 0 {
		return nil, fmt.Errorf("sensitivity epsilon %g: %w", eps, dynamo.ErrParameterBounds)
	}
	if targets == nil {
		targets = DefaultTargets()
	}
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}

	layout := codec.NewLayout(ref)
	c := &Cache{
		Layout:      layout,
		Mask:        make([]float64, layout.Dim()),
		Dim:         layout.Dim(),
		NumControls: len(uRef),
		Epsilon:     eps,
	}
	for _, f := range layout.Fields() {
		if !matches(f.Path, want) {
			continue
		}
		for i := f.Offset; i < f.Offset+f.Size; i++ {
			c.InnerIdx = append(c.InnerIdx, i)
			c.Mask[i] = 1
		}
	}
	return c, nil
}

func matches(path []string, want map[string]bool) bool {
	for _, seg := range path {
		if want[seg] {
			return true
		}
	}
	return false
}

// Store memoizes caches per state shape, target set and epsilon.
type Store struct {
	mu     sync.Mutex
	caches map[string]*Cache
}

func NewStore() *Store {
	return &Store{caches: make(map[string]*Cache)}
}

// ForShape returns the cache for ref's shape, building it on first use.
func (s *Store) ForShape(ref *physics.State, uRef []float64, targets []string, eps float64) (*Cache, error) {
	if targets == nil {
		targets = DefaultTargets()
	}
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	key := fmt.Sprintf("%s|u%d|%s|%g", codec.NewLayout(ref).Signature(), len(uRef), strings.Join(sorted, ","), eps)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[key]; ok {
		return c, nil
	}
	c, err := Build(ref, uRef, targets, eps)
	if err != nil {
		return nil, err
	}
	s.caches[key] = c
	return c, nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.caches)
}
