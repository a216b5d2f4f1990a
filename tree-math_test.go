package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Hand-computed relationships for a 4-leaf tree:
//
//        3
//    1       5
//  0   2   4   6
func TestTreeMathFourLeaves(t *testing.T) {
	n := leafCount(4)

	require.Equal(t, nodeCount(7), nodeWidth(n))
	require.Equal(t, n, leafWidth(nodeWidth(n)))
	require.Equal(t, nodeIndex(3), root(n))

	require.Equal(t, nodeIndex(1), left(3))
	require.Equal(t, nodeIndex(5), right(3, n))

	parents := map[nodeIndex]nodeIndex{0: 1, 2: 1, 4: 5, 6: 5, 1: 3, 5: 3, 3: 3}
	for x, p := range parents {
		require.Equal(t, p, parent(x, n), "parent(%d)", x)
	}

	siblings := map[nodeIndex]nodeIndex{0: 2, 2: 0, 4: 6, 6: 4, 1: 5, 5: 1, 3: 3}
	for x, s := range siblings {
		require.Equal(t, s, sibling(x, n), "sibling(%d)", x)
	}

	require.Equal(t, []nodeIndex{1, 3}, dirpath(0, n))
	require.Equal(t, []nodeIndex{5, 3}, dirpath(4, n))
	require.Equal(t, []nodeIndex{2, 5}, copath(0, n))
	require.Equal(t, []nodeIndex{6, 1}, copath(4, n))
}

func TestTreeMathLevels(t *testing.T) {
	require.Equal(t, uint(0), level(0))
	require.Equal(t, uint(1), level(1))
	require.Equal(t, uint(0), level(2))
	require.Equal(t, uint(2), level(3))
	require.Equal(t, uint(3), level(7))
}

func TestTreeMathRelations(t *testing.T) {
	// For every leaf in trees of several sizes, walking parents from the
	// leaf reproduces the direct path, and each copath node is the
	// sibling of the corresponding direct path step.
	for _, n := range []leafCount{1, 2, 4, 8, 16} {
		for l := LeafIndex(0); leafCount(l) < n; l++ {
			x := toNodeIndex(l)
			dp := dirpath(x, n)
			cp := copath(x, n)

			if x == root(n) {
				require.Empty(t, dp)
				require.Empty(t, cp)
				continue
			}

			require.Equal(t, len(dp), len(cp))
			require.Equal(t, root(n), dp[len(dp)-1])

			require.Equal(t, sibling(x, n), cp[0])
			for i := 1; i < len(cp); i++ {
				require.Equal(t, sibling(dp[i-1], n), cp[i])
			}

			// Children invert parenthood
			for _, p := range dp {
				require.Equal(t, p, parent(left(p), n))
				require.Equal(t, p, parent(right(p, n), n))
			}
		}
	}
}

func TestTreeMathAncestor(t *testing.T) {
	// 8-leaf tree, root 7
	require.Equal(t, nodeIndex(1), ancestor(0, 1))
	require.Equal(t, nodeIndex(3), ancestor(0, 2))
	require.Equal(t, nodeIndex(3), ancestor(1, 3))
	require.Equal(t, nodeIndex(7), ancestor(0, 7))
	require.Equal(t, nodeIndex(7), ancestor(3, 4))
	require.Equal(t, toNodeIndex(5), ancestor(5, 5))
}

func TestTreeMathLeafConversion(t *testing.T) {
	for l := LeafIndex(0); l < 8; l++ {
		require.Equal(t, l, toLeafIndex(toNodeIndex(l)))
	}

	require.Panics(t, func() { toLeafIndex(1) })
}
