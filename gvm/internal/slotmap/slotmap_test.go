package slotmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGetRemove(t *testing.T) {
	var m Map[string]

	a := m.Insert("a")
	b := m.Insert("b")
	require.Equal(t, 2, m.Len())

	value, ok := m.Get(a)
	require.True(t, ok)
	require.Equal(t, "a", value)

	value, ok = m.Remove(a)
	require.True(t, ok)
	require.Equal(t, "a", value)
	require.False(t, m.Contains(a))
	require.Equal(t, 1, m.Len())

	_, ok = m.Remove(a)
	require.False(t, ok)

	value, ok = m.Get(b)
	require.True(t, ok)
	require.Equal(t, "b", value)
}

func TestStaleKeyAfterReuse(t *testing.T) {
	var m Map[int]

	first := m.Insert(1)
	m.Remove(first)

	second := m.Insert(2)
	require.Equal(t, first.index, second.index)
	require.NotEqual(t, first, second)

	_, ok := m.Get(first)
	require.False(t, ok)

	value, ok := m.Get(second)
	require.True(t, ok)
	require.Equal(t, 2, value)
}

func TestNilKey(t *testing.T) {
	var m Map[int]
	m.Insert(1)

	require.True(t, NilKey.IsNil())
	require.False(t, m.Contains(NilKey))
}

func TestEachAndValues(t *testing.T) {
	var m Map[int]

	keys := []Key{m.Insert(10), m.Insert(20), m.Insert(30)}
	m.Remove(keys[1])

	require.Equal(t, []int{10, 30}, m.Values())

	var visited []int
	m.Each(func(key Key, value int) bool {
		visited = append(visited, value)
		return false
	})
	require.Equal(t, []int{10}, visited)

	m.Clear()
	require.Equal(t, 0, m.Len())
	require.Empty(t, m.Values())
}
