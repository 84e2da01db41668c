package gen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ticketteller/pkg/config"
)

func TestNewSnowflakeNode(t *testing.T) {
	node, err := NewSnowflakeNode(&config.Config{NodeID: 7})
	require.NoError(t, err)

	a, b := node.Generate(), node.Generate()
	require.NotEqual(t, a, b)
	require.Equal(t, int64(7), a.Node())
}

func TestNewSnowflakeNodeRejectsOutOfRange(t *testing.T) {
	_, err := NewSnowflakeNode(&config.Config{NodeID: 4096})
	require.Error(t, err)
}
