package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

func table(name string, deps ...string) core.TableDescriptor {
	return core.TableDescriptor{Name: name, PrimaryKeys: []string{"id"}, DependsOn: deps}
}

func names(ts []core.TableDescriptor) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name    string
		tables  []core.TableDescriptor
		lenient bool
		wantErr string
		order   []string
	}{
		{
			name:   "independent tables sort by name",
			tables: []core.TableDescriptor{table("orders"), table("accounts")},
			order:  []string{"accounts", "orders"},
		},
		{
			name:   "parents first",
			tables: []core.TableDescriptor{table("items", "orders"), table("orders", "users"), table("users")},
			order:  []string{"users", "orders", "items"},
		},
		{
			name:   "diamond",
			tables: []core.TableDescriptor{table("d", "b", "c"), table("b", "a"), table("c", "a"), table("a")},
			order:  []string{"a", "b", "c", "d"},
		},
		{
			name:    "unknown dependency",
			tables:  []core.TableDescriptor{table("orders", "users")},
			wantErr: `depends on unknown table "users"`,
		},
		{
			name:    "unknown dependency ignored when lenient",
			tables:  []core.TableDescriptor{table("orders", "users")},
			lenient: true,
			order:   []string{"orders"},
		},
		{
			name:    "self dependency",
			tables:  []core.TableDescriptor{table("a", "a")},
			wantErr: "depends on itself",
		},
		{
			name:    "cycle",
			tables:  []core.TableDescriptor{table("a", "c"), table("b", "a"), table("c", "b")},
			wantErr: "dependency cycle: a -> b -> c -> a",
		},
		{
			name:    "duplicate",
			tables:  []core.TableDescriptor{table("a"), table("a")},
			wantErr: "declared twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.tables, tt.lenient)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, core.CodeConfiguration, core.CodeOf(err))
				return
			}
			require.NoError(t, err)
			sorted, err := g.TopologicalSort()
			require.NoError(t, err)
			assert.Equal(t, tt.order, names(sorted))
		})
	}
}

func TestGraph_ParentsAndChildren(t *testing.T) {
	g, err := Build([]core.TableDescriptor{table("c", "a", "b"), table("b", "a"), table("a")}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, g.Parents("c"))
	assert.Equal(t, []string{"b", "c"}, g.Children("a"))
	assert.Empty(t, g.Parents("a"))
	assert.Equal(t, 3, g.Len())

	tbl, ok := g.Table("b")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, tbl.DependsOn)
}

func TestGraph_Levels(t *testing.T) {
	g, err := Build([]core.TableDescriptor{
		table("a"), table("b"), table("c", "a"), table("d", "c", "b"), table("e", "a"),
	}, false)
	require.NoError(t, err)

	levels, err := g.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "e"}, {"d"}}, levels)
}

func TestGraph_Upstream(t *testing.T) {
	g, err := Build([]core.TableDescriptor{table("a"), table("b", "a"), table("c", "b"), table("x")}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, g.Upstream("c"))
	assert.Empty(t, g.Upstream("x"))
}

func TestGraph_Subgraph(t *testing.T) {
	g, err := Build([]core.TableDescriptor{table("a"), table("b", "a"), table("c", "b")}, false)
	require.NoError(t, err)

	sub := g.Subgraph([]string{"a", "c", "missing"})
	assert.Equal(t, 2, sub.Len())
	assert.Empty(t, sub.Parents("c"), "edge through excluded table is dropped")

	sub = g.Subgraph([]string{"b", "c"})
	assert.Equal(t, []string{"b"}, sub.Parents("c"))
}

func TestGraph_HasCycle(t *testing.T) {
	g := NewGraph()
	for _, n := range []string{"a", "b", "c"} {
		g.AddNode(table(n))
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))

	cyclic, _ := g.HasCycle()
	assert.False(t, cyclic)

	require.NoError(t, g.AddEdge("c", "a"))
	cyclic, path := g.HasCycle()
	assert.True(t, cyclic)
	assert.Equal(t, []string{"a", "b", "c", "a"}, path)

	_, err := g.TopologicalSort()
	assert.Error(t, err)
	_, err = g.Levels()
	assert.Error(t, err)
}

func TestGraph_AddEdge_InvalidNodes(t *testing.T) {
	g := NewGraph()
	g.AddNode(table("a"))
	assert.Error(t, g.AddEdge("a", "nonexistent"))
	assert.Error(t, g.AddEdge("nonexistent", "a"))
}
