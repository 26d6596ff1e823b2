// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package trie

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func setMerge(existing, incoming map[string]struct{}) map[string]struct{} {
	for k := range incoming {
		existing[k] = struct{}{}
	}
	return existing
}

func sset(vals ...string) map[string]struct{} {
	m := map[string]struct{}{}
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

func flatten(vals []map[string]struct{}) []string {
	var out []string
	for _, v := range vals {
		for k := range v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func TestInsertAndGetExact(t *testing.T) {
	tr := Empty[string](nil)
	tr.Insert("a/b/c", "v1")
	v, ok := tr.Get("a/b/c")
	require.True(t, ok)
	require.Equal(t, "v1", v)

	_, ok = tr.Get("a/b")
	require.False(t, ok)
}

func TestInsertMerge(t *testing.T) {
	tr := Empty[map[string]struct{}](setMerge)
	tr.Insert("a/b", sset("s1"))
	tr.Insert("a/b", sset("s2"))
	v, ok := tr.Get("a/b")
	require.True(t, ok)
	require.Equal(t, sset("s1", "s2"), v)
}

func TestDeletePrunesEmptySubtree(t *testing.T) {
	tr := Empty[string](nil)
	tr.Insert("a/b/c", "v1")
	require.True(t, tr.Delete("a/b/c"))
	require.Empty(t, tr.root.children)

	require.False(t, tr.Delete("a/b/c"))
}

func TestDeleteKeepsSiblingBranches(t *testing.T) {
	tr := Empty[string](nil)
	tr.Insert("a/b/c", "v1")
	tr.Insert("a/x", "v2")
	require.True(t, tr.Delete("a/b/c"))

	_, ok := tr.Get("a/x")
	require.True(t, ok)
	_, ok = tr.root.children["a"].children["b"]
	require.False(t, ok)
}

func TestMatchLiteral(t *testing.T) {
	tr := Empty[string](nil)
	tr.Insert("a/b", "exact")
	require.Equal(t, []string{"exact"}, tr.Match("a/b"))
	require.Empty(t, tr.Match("a/c"))
}

func TestMatchPlusWildcard(t *testing.T) {
	tr := Empty[string](nil)
	tr.Insert("a/+/c", "plus")
	require.Equal(t, []string{"plus"}, tr.Match("a/b/c"))
	require.Empty(t, tr.Match("a/b/b/c"))
}

func TestMatchHashWildcard(t *testing.T) {
	tr := Empty[string](nil)
	tr.Insert("a/#", "hash")
	require.Equal(t, []string{"hash"}, tr.Match("a"))
	require.Equal(t, []string{"hash"}, tr.Match("a/b"))
	require.Equal(t, []string{"hash"}, tr.Match("a/b/c"))
}

func TestMatchUnionOfFilters(t *testing.T) {
	tr := Empty[string](nil)
	tr.Insert("a/b", "exact")
	tr.Insert("a/+", "plus")
	tr.Insert("a/#", "hash")
	require.ElementsMatch(t, []string{"exact", "plus", "hash"}, tr.Match("a/b"))
}

func TestMatchSysTopicExcludesLeadingWildcards(t *testing.T) {
	tr := Empty[string](nil)
	tr.Insert("+/uptime", "plus")
	tr.Insert("#", "hash")
	tr.Insert("$SYS/uptime", "sys")
	require.Equal(t, []string{"sys"}, tr.Match("$SYS/uptime"))
}

func TestMatchAny(t *testing.T) {
	tr := Empty[struct{}](nil)
	tr.Insert("a/+/c", struct{}{})
	require.True(t, tr.MatchAny("a/b/c"))
	require.False(t, tr.MatchAny("a/b/d"))
}

func TestUnion(t *testing.T) {
	a := Empty[string](nil)
	a.Insert("a/b", "from-a")
	b := Empty[string](nil)
	b.Insert("a/c", "from-b")
	a.Union(b)

	v, ok := a.Get("a/b")
	require.True(t, ok)
	require.Equal(t, "from-a", v)

	v, ok = a.Get("a/c")
	require.True(t, ok)
	require.Equal(t, "from-b", v)
}

func TestUnionMergesOverlap(t *testing.T) {
	a := Empty[map[string]struct{}](setMerge)
	a.Insert("a/b", sset("s1"))
	b := Empty[map[string]struct{}](setMerge)
	b.Insert("a/b", sset("s2"))
	a.Union(b)

	v, ok := a.Get("a/b")
	require.True(t, ok)
	require.Equal(t, sset("s1", "s2"), v)
}

func TestSingleton(t *testing.T) {
	tr := Singleton[string]("x/y", "val", nil)
	v, ok := tr.Get("x/y")
	require.True(t, ok)
	require.Equal(t, "val", v)
}
