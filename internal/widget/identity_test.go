// ABOUTME: Tests for session and visitor identity
// ABOUTME: Checks lazy creation and persistence through the file store

package widget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_SessionIDIsStable(t *testing.T) {
	id := NewIdentity(nil)
	first := id.SessionID()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, id.SessionID())

	assert.NotEqual(t, first, NewIdentity(nil).SessionID())
}

func TestIdentity_VisitorIDPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "visitor")
	store := NewFileVisitorStore(path)

	first, err := NewIdentity(store).VisitorID()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first+"\n", string(data))

	second, err := NewIdentity(NewFileVisitorStore(path)).VisitorID()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileVisitorStore_Missing(t *testing.T) {
	store := NewFileVisitorStore(filepath.Join(t.TempDir(), "nope"))
	id, err := store.LoadVisitorID()
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestMemoryVisitorStore(t *testing.T) {
	store := &MemoryVisitorStore{}
	id := NewIdentity(store)

	visitor, err := id.VisitorID()
	require.NoError(t, err)

	saved, err := store.LoadVisitorID()
	require.NoError(t, err)
	assert.Equal(t, visitor, saved)
}
