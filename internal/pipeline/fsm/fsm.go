// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fsm holds the MediaJob lifecycle: a static edge table plus a
// small machine that applies it with optional side effects.
package fsm

import (
	"context"
	"fmt"
	"sync"
)

// Transition is one edge. Action runs before the state moves; an Action
// error leaves the machine where it was.
type Transition[S ~string, E ~string] struct {
	From   S
	Event  E
	To     S
	Action func(ctx context.Context, from, to S, event E) error
}

type edge[S ~string, E ~string] struct {
	from  S
	event E
}

// Table is an immutable edge index. It is safe for concurrent lookups.
type Table[S ~string, E ~string] struct {
	edges map[edge[S, E]]Transition[S, E]
}

// NewTable indexes ts. Two edges leaving the same state on the same event
// are rejected.
func NewTable[S ~string, E ~string](ts []Transition[S, E]) (*Table[S, E], error) {
	t := &Table[S, E]{edges: make(map[edge[S, E]]Transition[S, E], len(ts))}
	for _, tr := range ts {
		k := edge[S, E]{tr.From, tr.Event}
		if prev, dup := t.edges[k]; dup {
			return nil, fmt.Errorf("fsm: %s on %s leads to both %s and %s", tr.From, tr.Event, prev.To, tr.To)
		}
		t.edges[k] = tr
	}
	return t, nil
}

// Lookup returns the edge leaving from on event.
func (t *Table[S, E]) Lookup(from S, event E) (Transition[S, E], bool) {
	tr, ok := t.edges[edge[S, E]{from, event}]
	return tr, ok
}

// Machine walks a Table from an initial state.
type Machine[S ~string, E ~string] struct {
	table *Table[S, E]

	mu    sync.Mutex
	state S
}

// New indexes transitions and starts a machine at initial.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	t, err := NewTable(transitions)
	if err != nil {
		return nil, err
	}
	return &Machine[S, E]{table: t, state: initial}, nil
}

func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event leaves the current state.
func (m *Machine[S, E]) Can(event E) bool {
	_, ok := m.table.Lookup(m.State(), event)
	return ok
}

// Fire applies event. The edge's Action runs unlocked; if the state moved
// meanwhile the result is discarded and an error returned.
func (m *Machine[S, E]) Fire(ctx context.Context, event E) (S, error) {
	from := m.State()
	tr, ok := m.table.Lookup(from, event)
	if !ok {
		return from, fmt.Errorf("fsm: no edge from %s on %s", from, event)
	}
	if tr.Action != nil {
		if err := tr.Action(ctx, from, tr.To, event); err != nil {
			return from, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return m.state, fmt.Errorf("fsm: state changed to %s while applying %s from %s", m.state, event, from)
	}
	m.state = tr.To
	return tr.To, nil
}
