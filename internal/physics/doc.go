// Package physics is the engine boundary: an immutable Model, a structured
// State with a canonical leaf traversal, and the Engine that advances it by
// one timestep.
package physics
