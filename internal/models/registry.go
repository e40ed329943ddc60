package models

import (
	"fmt"
	"sort"

	"github.com/san-kum/diffsim/internal/dynamo"
)

var constructors = map[string]func() dynamo.System{
	"point_mass":      func() dynamo.System { return NewPointMass() },
	"pendulum":        func() dynamo.System { return NewPendulum() },
	"cartpole":        func() dynamo.System { return NewCartPole() },
	"double_pendulum": func() dynamo.System { return NewDoublePendulum() },
	"drone":           func() dynamo.System { return NewDrone() },
}

// New returns a fresh system with default parameters.
func New(name string) (dynamo.System, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q: %w", name, dynamo.ErrUnknownField)
	}
	return ctor(), nil
}

func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
