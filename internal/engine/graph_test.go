package engine

import (
	"strings"
	"testing"

	"github.com/Furinaaa-Cancan/AgentOrchestra/internal/state"
)

func noop(r *state.Run) (state.Delta, error) { return state.Delta{}, nil }

func noopAwait(r *state.Run) (Marker, state.Delta, error) {
	return Marker{Role: state.RoleBuilder}, state.Delta{}, nil
}

func noopResume(r *state.Run, v any) (state.Delta, error) { return state.Delta{}, nil }

func TestGraphValidate(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Graph
		wantErr string
	}{
		{
			name: "valid",
			build: func() *Graph {
				g := NewGraph()
				g.AddNode("a", noop)
				g.AddAwaitNode("b", noopAwait, noopResume)
				g.AddEdge("a", "b")
				g.AddConditionalEdge("b", func(r *state.Run) string { return "out" },
					map[string]string{"out": End, "back": "a"})
				g.SetEntry("a")
				return g
			},
		},
		{
			name:    "no entry",
			build:   func() *Graph { g := NewGraph(); g.AddNode("a", noop); g.AddEdge("a", End); return g },
			wantErr: "no entry node",
		},
		{
			name: "entry not registered",
			build: func() *Graph {
				g := NewGraph()
				g.AddNode("a", noop)
				g.AddEdge("a", End)
				g.SetEntry("missing")
				return g
			},
			wantErr: "not registered",
		},
		{
			name: "node without outgoing edge",
			build: func() *Graph {
				g := NewGraph()
				g.AddNode("a", noop)
				g.SetEntry("a")
				return g
			},
			wantErr: "no outgoing edge",
		},
		{
			name: "both edge kinds",
			build: func() *Graph {
				g := NewGraph()
				g.AddNode("a", noop)
				g.AddEdge("a", End)
				g.AddConditionalEdge("a", func(r *state.Run) string { return "x" },
					map[string]string{"x": End})
				g.SetEntry("a")
				return g
			},
			wantErr: "both an unconditional and a conditional edge",
		},
		{
			name: "edge to unknown node",
			build: func() *Graph {
				g := NewGraph()
				g.AddNode("a", noop)
				g.AddEdge("a", "ghost")
				g.SetEntry("a")
				return g
			},
			wantErr: "unknown node",
		},
		{
			name: "conditional target unknown",
			build: func() *Graph {
				g := NewGraph()
				g.AddNode("a", noop)
				g.AddConditionalEdge("a", func(r *state.Run) string { return "x" },
					map[string]string{"x": "ghost"})
				g.SetEntry("a")
				return g
			},
			wantErr: "unknown node",
		},
		{
			name: "await without resume",
			build: func() *Graph {
				g := NewGraph()
				g.AddAwaitNode("a", noopAwait, nil)
				g.AddEdge("a", End)
				g.SetEntry("a")
				return g
			},
			wantErr: "both await and resume",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid graph, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestNextPrefersUnconditionalEdge(t *testing.T) {
	g := NewGraph()
	g.AddNode("a", noop)
	g.AddNode("b", noop)
	g.AddEdge("a", "b")
	g.AddEdge("b", End)
	g.SetEntry("a")

	next, err := g.next("a", &state.Run{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != "b" {
		t.Errorf("next = %q, want b", next)
	}
	next, err = g.next("b", &state.Run{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next != End {
		t.Errorf("next = %q, want End", next)
	}
}
