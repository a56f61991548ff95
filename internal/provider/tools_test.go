package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-workflows/backend/internal/apperr"
)

func noopTool(name string) Tool {
	return Tool{
		Definition: ToolDefinition{Name: name},
		Fn:         func(context.Context, json.RawMessage) (string, error) { return "", nil },
	}
}

func TestToolRegistry(t *testing.T) {
	reg := NewToolRegistry()

	a, err := reg.Register(noopTool("a"))
	require.NoError(t, err)
	assert.Equal(t, "a", a.Name())

	_, err = reg.Register(noopTool("a"))
	assert.Equal(t, apperr.KindInvalidConfiguration, apperr.KindOf(err))

	b, err := reg.Register(noopTool("b"))
	require.NoError(t, err)
	require.NoError(t, b.Unregister())

	_, err = reg.Register(Tool{Definition: ToolDefinition{Name: "nofn"}})
	assert.Error(t, err)

	set := reg.Freeze()
	assert.Equal(t, []string{"a"}, set.Names())
	_, ok := set.Lookup("b")
	assert.False(t, ok)

	_, err = reg.Register(noopTool("c"))
	assert.Error(t, err)
	assert.Error(t, a.Unregister())
	_, ok = set.Lookup("a")
	assert.True(t, ok)
}

func TestToolSet_Nil(t *testing.T) {
	var set *ToolSet
	_, ok := set.Lookup("x")
	assert.False(t, ok)
	assert.Nil(t, set.Names())
}
