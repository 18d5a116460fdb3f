package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renzhidao/m2/internal/registry"
)

func TestAddAndDuplicate(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Add(&registry.Connection{PeerID: "a"}))

	err := r.Add(&registry.Connection{PeerID: "a"})
	assert.ErrorIs(t, err, registry.ErrDuplicateKey)
	assert.Equal(t, 1, r.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Add(&registry.Connection{PeerID: "a"}))

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.IDs())
}

func TestRemoveIfIgnoresReplacedEntry(t *testing.T) {
	r := registry.New()
	old := &registry.Connection{PeerID: "a"}
	r.Put(old)
	r.Put(&registry.Connection{PeerID: "a", State: registry.Open})

	assert.False(t, r.RemoveIf("a", old))
	assert.True(t, r.HasOpen("a"))
}

func TestOpenCountAndOrder(t *testing.T) {
	r := registry.New()
	r.Put(&registry.Connection{PeerID: "a", State: registry.Open})
	r.Put(&registry.Connection{PeerID: "b"})
	r.Put(&registry.Connection{PeerID: "c", State: registry.Open})
	r.Put(&registry.Connection{PeerID: "a", State: registry.Open})

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.OpenCount())
	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
	assert.True(t, r.Has("b"))
	assert.False(t, r.HasOpen("b"))
}

func TestSnapshotUnaffectedByMutation(t *testing.T) {
	r := registry.New()
	for _, id := range []string{"a", "b", "c"} {
		r.Put(&registry.Connection{PeerID: id})
	}

	var seen []string
	r.ForEach(func(c *registry.Connection) {
		seen = append(seen, c.PeerID)
		r.Remove("c")
		r.Put(&registry.Connection{PeerID: "d"})
	})
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, []string{"a", "b", "d"}, r.IDs())
}

func TestClear(t *testing.T) {
	r := registry.New()
	r.Put(&registry.Connection{PeerID: "a"})
	r.Put(&registry.Connection{PeerID: "b"})

	all := r.Clear()
	assert.Len(t, all, 2)
	assert.Equal(t, 0, r.Len())
}
