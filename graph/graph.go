// Package graph models the executable workflow graph traversed by
// execution strategies: states carrying optional nodes, and guarded,
// prioritized transitions between them.
package graph

import (
	"fmt"
	"sort"

	"github.com/xraph/flowstate/id"
	"github.com/xraph/flowstate/node"
)

// State is one vertex of a workflow graph. Its Node, when set, is executed
// through the strategy's node executor whenever the state is entered.
type State struct {
	ID      string
	Name    string
	Initial bool
	Final   bool
	Node    node.Node
}

// Transition is a directed edge. A strategy follows the highest-priority
// outgoing edge whose guard evaluates true (an empty guard always holds).
type Transition struct {
	From     string
	To       string
	Guard    string
	Priority int
}

// Graph is an immutable workflow step graph. Build one with the fields,
// then call Validate before handing it to a strategy.
type Graph struct {
	ID          id.WorkflowID
	Name        string
	States      []*State
	Transitions []*Transition

	// byID and outgoing are lazy lookup caches built by Validate.
	byID     map[string]*State
	outgoing map[string][]*Transition
}

// Validate checks structural integrity and builds the lookup indexes:
// exactly one initial state, at least one final state, and every edge
// referencing known states.
func (g *Graph) Validate() error {
	byID := make(map[string]*State, len(g.States))
	initials := 0
	finals := 0

	for _, s := range g.States {
		if s.ID == "" {
			return fmt.Errorf("graph %q: state with empty id", g.Name)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("graph %q: duplicate state id %q", g.Name, s.ID)
		}
		byID[s.ID] = s
		if s.Initial {
			initials++
		}
		if s.Final {
			finals++
		}
	}

	if initials != 1 {
		return fmt.Errorf("graph %q: want exactly 1 initial state, have %d", g.Name, initials)
	}
	if finals == 0 {
		return fmt.Errorf("graph %q: no final state", g.Name)
	}

	outgoing := make(map[string][]*Transition, len(g.States))
	for _, t := range g.Transitions {
		if _, ok := byID[t.From]; !ok {
			return fmt.Errorf("graph %q: transition from unknown state %q", g.Name, t.From)
		}
		if _, ok := byID[t.To]; !ok {
			return fmt.Errorf("graph %q: transition to unknown state %q", g.Name, t.To)
		}
		outgoing[t.From] = append(outgoing[t.From], t)
	}
	for from := range outgoing {
		edges := outgoing[from]
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].Priority > edges[j].Priority })
		outgoing[from] = edges
	}

	g.byID = byID
	g.outgoing = outgoing

	return nil
}

// InitialState returns the graph's unique initial state. Validate must
// have succeeded.
func (g *Graph) InitialState() *State {
	for _, s := range g.States {
		if s.Initial {
			return s
		}
	}
	return nil
}

// StateByID resolves a state. Validate must have succeeded.
func (g *Graph) StateByID(stateID string) (*State, bool) {
	s, ok := g.byID[stateID]
	return s, ok
}

// Outgoing returns a state's outgoing transitions in descending priority
// order. Validate must have succeeded.
func (g *Graph) Outgoing(stateID string) []*Transition {
	return g.outgoing[stateID]
}

// HasEdgeBetween reports whether a direct transition connects a and b in
// either direction.
func (g *Graph) HasEdgeBetween(a, b string) bool {
	for _, t := range g.outgoing[a] {
		if t.To == b {
			return true
		}
	}
	for _, t := range g.outgoing[b] {
		if t.To == a {
			return true
		}
	}
	return false
}

// Degrees returns the number of incoming and outgoing edges per state id.
func (g *Graph) Degrees() (in, out map[string]int) {
	in = make(map[string]int, len(g.States))
	out = make(map[string]int, len(g.States))
	for _, s := range g.States {
		in[s.ID] = 0
		out[s.ID] = 0
	}
	for _, t := range g.Transitions {
		out[t.From]++
		in[t.To]++
	}
	return in, out
}
