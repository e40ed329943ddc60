// Package codec converts between structured physics states and flat vectors.
package codec

import (
	"fmt"
	"strings"

	"github.com/san-kum/diffsim/internal/dynamo"
	"github.com/san-kum/diffsim/internal/physics"
)

// Field is one registered leaf and its range in the flat vector.
type Field struct {
	Path     []string
	Offset   int
	Size     int
	Discrete bool
}

func (f Field) Name() string {
	return strings.Join(f.Path, ".")
}

// Layout is built once per state shape from one canonical traversal. It is
// immutable and safe to share.
type Layout struct {
	fields   []Field
	dim      int
	template *physics.State
	obs      []int
	qpos     Field
	qvel     Field
}

func NewLayout(ref *physics.State) *Layout {
	l := &Layout{template: ref.Clone()}
	for _, leaf := range ref.Leaves() {
		f := Field{
			Path:     append([]string(nil), leaf.Path...),
			Offset:   l.dim,
			Size:     leaf.Size(),
			Discrete: leaf.Discrete(),
		}
		l.fields = append(l.fields, f)
		l.dim += f.Size
		switch f.Name() {
		case "qpos":
			l.qpos = f
		case "qvel":
			l.qvel = f
		}
	}
	for _, f := range []Field{l.qpos, l.qvel} {
		for i := 0; i < f.Size; i++ {
			l.obs = append(l.obs, f.Offset+i)
		}
	}
	return l
}

func (l *Layout) Dim() int {
	return l.dim
}

func (l *Layout) Fields() []Field {
	return l.fields
}

// Signature identifies the shape: two layouts with equal signatures produce
// interchangeable flat vectors.
func (l *Layout) Signature() string {
	var b strings.Builder
	for _, f := range l.fields {
		fmt.Fprintf(&b, "%s:%d;", f.Name(), f.Size)
	}
	return b.String()
}

func (l *Layout) Flatten(s *physics.State) ([]float64, error) {
	leaves := s.Leaves()
	if err := l.checkLeaves(leaves); err != nil {
		return nil, err
	}
	v := make([]float64, l.dim)
	for i, leaf := range leaves {
		f := l.fields[i]
		leaf.Read(v[f.Offset : f.Offset+f.Size])
	}
	return v, nil
}

// Unflatten writes v into a copy of the reference state.
func (l *Layout) Unflatten(v []float64) (*physics.State, error) {
	if err := dynamo.CheckDim("flat state", len(v), l.dim); err != nil {
		return nil, err
	}
	s := l.template.Clone()
	for i, leaf := range s.Leaves() {
		f := l.fields[i]
		leaf.Write(v[f.Offset : f.Offset+f.Size])
	}
	return s, nil
}

// EncodeObservation returns qpos followed by qvel.
func (l *Layout) EncodeObservation(s *physics.State) []float64 {
	obs := make([]float64, 0, len(s.Qpos)+len(s.Qvel))
	obs = append(obs, s.Qpos...)
	return append(obs, s.Qvel...)
}

// DecodeObservation builds a fresh state shaped like the reference with
// qpos and qvel taken from obs.
func (l *Layout) DecodeObservation(obs []float64) (*physics.State, error) {
	if err := dynamo.CheckDim("observation", len(obs), l.ObservationDim()); err != nil {
		return nil, err
	}
	s := l.template.Clone()
	copy(s.Qpos, obs[:l.qpos.Size])
	copy(s.Qvel, obs[l.qpos.Size:])
	return s, nil
}

func (l *Layout) ObservationDim() int {
	return len(l.obs)
}

// ObservationIndices maps observation coordinates to flat-vector indices.
func (l *Layout) ObservationIndices() []int {
	return l.obs
}

func (l *Layout) FieldRange(name string) (offset, size int, err error) {
	for _, f := range l.fields {
		if f.Name() == name {
			return f.Offset, f.Size, nil
		}
	}
	return 0, 0, fmt.Errorf("field %q: %w", name, dynamo.ErrUnknownField)
}

// DiscreteMask is true at every flat index backed by an integer leaf.
func (l *Layout) DiscreteMask() []bool {
	mask := make([]bool, l.dim)
	for _, f := range l.fields {
		if f.Discrete {
			for i := f.Offset; i < f.Offset+f.Size; i++ {
				mask[i] = true
			}
		}
	}
	return mask
}

func (l *Layout) checkLeaves(leaves []physics.Leaf) error {
	if err := dynamo.CheckDim("leaf count", len(leaves), len(l.fields)); err != nil {
		return err
	}
	for i, leaf := range leaves {
		if err := dynamo.CheckDim(l.fields[i].Name(), leaf.Size(), l.fields[i].Size); err != nil {
			return err
		}
	}
	return nil
}
