package mls

import "fmt"

// Index calculus for a balanced binary tree laid out flat in an array.
// Leaves are the even-numbered nodes, with the n-th leaf at 2*n; parents
// occupy the odd numbers.  An 11-leaf tree:
//
//                                              X
//                      X
//          X                       X                       X
//    X           X           X           X           X
// X     X     X     X     X     X     X     X     X     X     X
// 0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f 10 11 12 13 14
//
// Relationships between nodes are computed from the indices alone, so the
// tree storage can be a plain slice.  The basic rule is that the
// high-order bits of parent and child indices relate as:
//
//    01x = <00x, 10x>

// LeafIndex is the position of a member's leaf in the ratchet tree.
type LeafIndex uint32

type leafCount uint32
type nodeIndex uint32
type nodeCount uint32

func toNodeIndex(leaf LeafIndex) nodeIndex {
	return nodeIndex(2 * leaf)
}

func toLeafIndex(node nodeIndex) LeafIndex {
	if node&0x01 != 0 {
		panic(fmt.Errorf("mls.tree-math: parent node has no leaf index"))
	}
	return LeafIndex(node >> 1)
}

// Position of the most significant 1 bit
func log2(x nodeCount) uint {
	if x == 0 {
		return 0
	}

	k := uint(0)
	for (x >> k) > 0 {
		k += 1
	}
	return k - 1
}

// Position of the least significant 0 bit
func level(x nodeIndex) uint {
	if x&0x01 == 0 {
		return 0
	}

	k := uint(0)
	for (x>>k)&0x01 == 1 {
		k += 1
	}
	return k
}

// Number of nodes needed for a tree with n leaves
func nodeWidth(n leafCount) nodeCount {
	if n == 0 {
		return 0
	}
	return nodeCount(2*(n-1) + 1)
}

// Number of leaves in a tree of c nodes
func leafWidth(c nodeCount) leafCount {
	if c == 0 {
		return 0
	}
	if c&1 == 0 {
		panic(fmt.Errorf("mls.tree-math: only odd node counts describe trees"))
	}
	return leafCount((c >> 1) + 1)
}

// Index of the root of a tree with n leaves
func root(n leafCount) nodeIndex {
	w := nodeWidth(n)
	return nodeIndex((1 << log2(w)) - 1)
}

// Left child of x
func left(x nodeIndex) nodeIndex {
	if level(x) == 0 {
		return x
	}

	return x ^ (0x01 << (level(x) - 1))
}

// Right child of x
func right(x nodeIndex, n leafCount) nodeIndex {
	if level(x) == 0 {
		return x
	}

	w := nodeIndex(nodeWidth(n))
	r := x ^ (0x03 << (level(x) - 1))
	for r >= w {
		r = left(r)
	}
	return r
}

// Immediate parent of x; may be beyond the edge of the tree
func parentStep(x nodeIndex) nodeIndex {
	// xy01 -> x011
	k := level(x)
	one := uint(1)
	return nodeIndex((uint(x) | (one << k)) & ^(one << (k + 1)))
}

// Parent of x in a tree with n leaves; the root is its own parent
func parent(x nodeIndex, n leafCount) nodeIndex {
	if x == root(n) {
		return x
	}

	w := nodeIndex(nodeWidth(n))
	p := parentStep(x)
	for p >= w {
		p = parentStep(p)
	}
	return p
}

// Sibling of x; the root is its own sibling
func sibling(x nodeIndex, n leafCount) nodeIndex {
	p := parent(x, n)
	if x < p {
		return right(p, n)
	} else if x > p {
		return left(p)
	}

	return p
}

// Direct path for x, ordered leaf to root, excluding x, including the root
func dirpath(x nodeIndex, n leafCount) []nodeIndex {
	d := []nodeIndex{}
	p := x
	r := root(n)
	for p != r {
		p = parent(p, n)
		d = append(d, p)
	}
	return d
}

// Copath for x, ordered leaf to root
func copath(x nodeIndex, n leafCount) []nodeIndex {
	r := root(n)
	if x == r {
		return nil
	}

	c := []nodeIndex{sibling(x, n)}
	p := parent(x, n)
	for p != r {
		c = append(c, sibling(p, n))
		p = parent(p, n)
	}
	return c
}

// Lowest common ancestor of two leaves
func ancestor(l, r LeafIndex) nodeIndex {
	ln, rn := toNodeIndex(l), toNodeIndex(r)
	if ln == rn {
		return ln
	}

	k := uint(0)
	for ln != rn {
		ln, rn = ln>>1, rn>>1
		k += 1
	}
	return (ln << k) + (1 << (k - 1)) - 1
}
