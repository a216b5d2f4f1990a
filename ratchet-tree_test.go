package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// publicOnly strips the private key by round-tripping through the wire
// encoding, the way another member would see the package.
func publicOnly(t *testing.T, kp KeyPackage) KeyPackage {
	enc, err := encode(kp)
	require.Nil(t, err)

	var out KeyPackage
	require.Nil(t, decodeExact(enc, &out))
	return out
}

// buildTrees constructs one tree per member, each holding private key
// material only at its own leaf.
func buildTrees(t *testing.T, suite CipherSuite, n int) ([]*RatchetTree, []KeyPackage) {
	kps := make([]KeyPackage, n)
	for i := range kps {
		kps[i] = newTestKeyPackage(t, suite, []byte{byte(i)})
	}

	trees := make([]*RatchetTree, n)
	for i := range trees {
		trees[i] = newRatchetTree(suite)
		for j, kp := range kps {
			leaf := kp
			if j != i {
				leaf = publicOnly(t, kp)
			}
			index, err := trees[i].AddLeaf(leaf)
			require.Nil(t, err)
			require.Equal(t, LeafIndex(j), index)
		}
	}

	return trees, kps
}

func TestRatchetTreePowerOfTwoGrowth(t *testing.T) {
	tree := newRatchetTree(testSuite)

	expectedSizes := []leafCount{1, 2, 4, 4, 8, 8, 8, 8, 16}
	for i, expected := range expectedSizes {
		kp := newTestKeyPackage(t, testSuite, []byte{byte(i)})
		index, err := tree.AddLeaf(kp)
		require.Nil(t, err)
		require.Equal(t, LeafIndex(i), index)

		require.Equal(t, expected, tree.size(), "after %d adds", i+1)
		require.Equal(t, i+1, tree.MemberCount())

		// size stays a power of two
		require.Zero(t, uint32(tree.size())&(uint32(tree.size())-1))
	}
}

func TestRatchetTreeBlankReuse(t *testing.T) {
	tree := newRatchetTree(testSuite)
	for i := 0; i < 4; i++ {
		_, err := tree.AddLeaf(newTestKeyPackage(t, testSuite, []byte{byte(i)}))
		require.Nil(t, err)
	}

	// Removal blanks without shrinking
	require.Nil(t, tree.BlankPath(1, true))
	require.Equal(t, leafCount(4), tree.size())
	require.Equal(t, 3, tree.MemberCount())
	require.False(t, tree.occupied(1))

	// The next add fills the leftmost blank leaf
	kp := newTestKeyPackage(t, testSuite, []byte{0xAA})
	index, err := tree.AddLeaf(kp)
	require.Nil(t, err)
	require.Equal(t, LeafIndex(1), index)
	require.Equal(t, leafCount(4), tree.size())
}

func TestRatchetTreeFind(t *testing.T) {
	tree := newRatchetTree(testSuite)
	kps := make([]KeyPackage, 3)
	for i := range kps {
		kps[i] = newTestKeyPackage(t, testSuite, []byte{byte(i)})
		_, err := tree.AddLeaf(kps[i])
		require.Nil(t, err)
	}

	for i, kp := range kps {
		index, ok := tree.Find(kp)
		require.True(t, ok)
		require.Equal(t, LeafIndex(i), index)
	}

	stranger := newTestKeyPackage(t, testSuite, []byte{0xFF})
	_, ok := tree.Find(stranger)
	require.False(t, ok)
}

func TestRatchetTreeEncapDecap(t *testing.T) {
	for _, n := range []int{2, 4, 5} {
		trees, _ := buildTrees(t, testSuite, n)

		context := unhex("010203")
		leafSecret := testSuite.Digest([]byte("fresh entropy"))

		path, rootSecret, err := trees[0].Encap(0, context, leafSecret)
		require.Nil(t, err)

		for i := 1; i < n; i++ {
			got, err := trees[i].Decap(0, context, path)
			require.Nil(t, err, "member %d decap", i)
			require.Equal(t, rootSecret, got, "member %d root secret", i)
			require.True(t, trees[0].Equals(trees[i]), "member %d tree", i)
			require.Equal(t, trees[0].RootHash(), trees[i].RootHash())
		}
	}
}

func TestRatchetTreeDecapAfterRemove(t *testing.T) {
	trees, _ := buildTrees(t, testSuite, 4)

	// Everyone blanks leaf 3, then member 0 commits
	for _, tree := range trees[:3] {
		require.Nil(t, tree.BlankPath(3, true))
	}

	context := unhex("0405")
	leafSecret := testSuite.Digest([]byte("post-removal entropy"))

	path, rootSecret, err := trees[0].Encap(0, context, leafSecret)
	require.Nil(t, err)

	for i := 1; i < 3; i++ {
		got, err := trees[i].Decap(0, context, path)
		require.Nil(t, err)
		require.Equal(t, rootSecret, got)
	}
}

func TestRatchetTreeHashChanges(t *testing.T) {
	tree := newRatchetTree(testSuite)
	_, err := tree.AddLeaf(newTestKeyPackage(t, testSuite, []byte{0}))
	require.Nil(t, err)
	h1 := dup(tree.RootHash())

	_, err = tree.AddLeaf(newTestKeyPackage(t, testSuite, []byte{1}))
	require.Nil(t, err)
	h2 := dup(tree.RootHash())
	require.NotEqual(t, h1, h2)

	require.Nil(t, tree.BlankPath(1, true))
	require.NotEqual(t, h2, tree.RootHash())
}

func TestRatchetTreeErrors(t *testing.T) {
	tree := newRatchetTree(testSuite)
	_, err := tree.AddLeaf(newTestKeyPackage(t, testSuite, []byte{0}))
	require.Nil(t, err)

	_, err = tree.GetCredential(5)
	require.True(t, errors.Is(err, ErrTreeInvariantViolation))

	// Updating a leaf that is not in the tree is an invariant violation
	other := newTestKeyPackage(t, testSuite, []byte{1})
	err = tree.MergePublic(3, &other.InitKey)
	require.True(t, errors.Is(err, ErrTreeInvariantViolation))

	// Malformed serialized tree: even node count
	var out RatchetTree
	_, err = out.UnmarshalTLS(unhex("00000002" + "0000"))
	require.True(t, errors.Is(err, ErrMalformedMessage))
}
