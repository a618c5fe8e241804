package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSnapshotID(t *testing.T) {
	t.Parallel()

	id, err := GenerateSnapshotID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "resize-"))

	other, err := GenerateSnapshotID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestDefaultGenerator_Singleton(t *testing.T) {
	t.Parallel()

	assert.Same(t, DefaultGenerator(), DefaultGenerator())
}
