package icloudsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathMap_PutGetPop(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("a/b", LocalFile{Name: "b"})

	n, ok := m.Get("a/b")
	require.True(t, ok)
	assert.Equal(t, "b", n.NodeName())

	n, ok = m.Pop("a/b")
	require.True(t, ok)
	assert.Equal(t, "b", n.NodeName())

	_, ok = m.Get("a/b")
	assert.False(t, ok)
}

func TestPathMap_Contains(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	assert.False(t, m.Contains("x"))

	m.Put("x", LocalFolder{Name: "x"})
	assert.True(t, m.Contains("x"))
}

func TestPathMap_LenAndClear(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("a", LocalFolder{Name: "a"})
	m.Put("b", LocalFolder{Name: "b"})
	assert.Equal(t, 2, m.Len())

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestPathMap_DifferenceIntersectionUnion(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("a", LocalFile{Name: "a"})
	m.Put("b", LocalFile{Name: "b"})
	m.Put("c", LocalFile{Name: "c"})

	diff := m.Difference([]string{"b"})
	assert.ElementsMatch(t, []string{"a", "c"}, diff.Slice())

	inter := m.Intersection([]string{"b", "c", "z"})
	assert.ElementsMatch(t, []string{"b", "c"}, inter.Slice())

	union := m.Union([]string{"c", "d"})
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, union.Slice())
}

func TestPathMap_SymmetricDifference(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("a", LocalFile{Name: "a"})
	m.Put("b", LocalFile{Name: "b"})

	sym := m.SymmetricDifference([]string{"b", "c"})
	assert.ElementsMatch(t, []string{"a", "c"}, sym.Slice())
}

func TestPathMap_SetAlgebraCommutativity(t *testing.T) {
	t.Parallel()

	// Intersection is commutative: A ∩ B == B ∩ A on keys.
	m := NewPathMap()
	m.Put("a", LocalFile{Name: "a"})
	m.Put("b", LocalFile{Name: "b"})

	other := NewPathMap()
	other.Put("b", LocalFile{Name: "b"})
	other.Put("c", LocalFile{Name: "c"})

	left := m.Intersection(other.Keys())
	right := other.Intersection(m.Keys())
	assert.ElementsMatch(t, left.Slice(), right.Slice())
}

func TestPathMap_ReKey(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("docs", LocalFolder{Name: "docs"})
	m.Put("docs/a.txt", LocalFile{Name: "a.txt"})
	m.Put("docs/sub/b.txt", LocalFile{Name: "b.txt"})
	m.Put("other", LocalFolder{Name: "other"})

	m.ReKey("docs", "archive")

	assert.False(t, m.Contains("docs"))
	assert.False(t, m.Contains("docs/a.txt"))
	assert.True(t, m.Contains("archive"))
	assert.True(t, m.Contains("archive/a.txt"))
	assert.True(t, m.Contains("archive/sub/b.txt"))
	assert.True(t, m.Contains("other"))
}

func TestPathMap_ReKey_DoesNotTouchSiblingWithSamePrefix(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("docs", LocalFolder{Name: "docs"})
	m.Put("docs2", LocalFolder{Name: "docs2"})

	m.ReKey("docs", "archive")

	assert.True(t, m.Contains("archive"))
	assert.True(t, m.Contains("docs2"))
}

func TestPathMap_PruneInclusive(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("docs", LocalFolder{Name: "docs"})
	m.Put("docs/a.txt", LocalFile{Name: "a.txt"})
	m.Put("other", LocalFolder{Name: "other"})

	m.Prune("docs", true)

	assert.False(t, m.Contains("docs"))
	assert.False(t, m.Contains("docs/a.txt"))
	assert.True(t, m.Contains("other"))
}

func TestPathMap_PruneExclusive(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("docs", LocalFolder{Name: "docs"})
	m.Put("docs/a.txt", LocalFile{Name: "a.txt"})

	m.Prune("docs", false)

	assert.True(t, m.Contains("docs"))
	assert.False(t, m.Contains("docs/a.txt"))
}

func TestPathMap_Transaction(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("a", LocalFile{Name: "a"})

	m.Transaction(func(tx *PathMapTx) {
		_, ok := tx.Pop("a")
		require.True(t, ok)
		tx.Put("b", LocalFile{Name: "b"})
	})

	assert.False(t, m.Contains("a"))
	assert.True(t, m.Contains("b"))
}

func TestPathMap_Keys_IsSnapshot(t *testing.T) {
	t.Parallel()

	m := NewPathMap()
	m.Put("a", LocalFile{Name: "a"})

	keys := m.Keys()
	m.Put("b", LocalFile{Name: "b"})

	assert.ElementsMatch(t, []string{"a"}, keys)
}
