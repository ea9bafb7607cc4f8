package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraversalCypher(t *testing.T) {
	out, err := traversal(Out, "lifecycleAction")
	require.NoError(t, err)
	assert.Contains(t, out, "(a:Vertex)-[r:`lifecycleAction`]->(b:Vertex)")
	assert.Contains(t, out, "elementId(a) AS out, elementId(b) AS in")
	assert.Contains(t, out, "ORDER BY r._seq")

	in, err := traversal(In, "")
	require.NoError(t, err)
	assert.Contains(t, in, "(a:Vertex)<-[r]-(b:Vertex)")
	assert.Contains(t, in, "elementId(b) AS out, elementId(a) AS in")

	_, err = traversal(Out, "bad`label")
	assert.Error(t, err)
}

func TestToPropertiesDropsSequence(t *testing.T) {
	props := toProperties(map[string]any{
		"__id":  "c1",
		"_seq":  int64(42),
		"count": int64(3),
		"tags":  []any{"a", "b"},
	})
	assert.Equal(t, Properties{"__id": "c1", "count": int64(3), "tags": []string{"a", "b"}}, props)
}

func TestValidPropertyKey(t *testing.T) {
	assert.True(t, validPropertyKey("__id"))
	assert.True(t, validPropertyKey("hasPriorVersion"))
	assert.False(t, validPropertyKey(""))
	assert.False(t, validPropertyKey("a.b"))
	assert.False(t, validPropertyKey("x') OR 1=1 --"))
}
