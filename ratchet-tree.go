package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// Tree hash inputs
///

type ParentNodeInfo struct {
	PublicKey      HPKEPublicKey
	UnmergedLeaves []LeafIndex `tls:"head=4"`
}

type ParentNodeHashInput struct {
	HashType  uint8
	Info      *ParentNodeInfo `tls:"optional"`
	LeftHash  []byte          `tls:"head=1"`
	RightHash []byte          `tls:"head=1"`
}

type LeafNodeInfo struct {
	PublicKey  HPKEPublicKey
	Credential Credential
}

type LeafNodeHashInput struct {
	HashType uint8
	Info     *LeafNodeInfo `tls:"optional"`
}

///
/// RatchetTreeNode
///

type RatchetTreeNode struct {
	PublicKey      *HPKEPublicKey
	UnmergedLeaves []LeafIndex `tls:"head=4"`
	Credential     *Credential `tls:"optional"`
}

// Equals compares the public aspects of two nodes.
func (n RatchetTreeNode) Equals(o RatchetTreeNode) bool {
	lhsCredNil := n.Credential == nil
	rhsCredNil := o.Credential == nil
	if lhsCredNil != rhsCredNil {
		return false
	}
	if !lhsCredNil && !n.Credential.Equals(*o.Credential) {
		return false
	}

	lhsKeyNil := n.PublicKey == nil
	rhsKeyNil := o.PublicKey == nil
	if lhsKeyNil != rhsKeyNil {
		return false
	}
	if !lhsKeyNil && !n.PublicKey.Equals(*o.PublicKey) {
		return false
	}

	if len(n.UnmergedLeaves) != len(o.UnmergedLeaves) {
		return false
	}
	for i := range n.UnmergedLeaves {
		if n.UnmergedLeaves[i] != o.UnmergedLeaves[i] {
			return false
		}
	}
	return true
}

func (n RatchetTreeNode) Clone() RatchetTreeNode {
	cloned := RatchetTreeNode{
		Credential:     n.Credential,
		PublicKey:      n.PublicKey,
		UnmergedLeaves: make([]LeafIndex, len(n.UnmergedLeaves)),
	}
	copy(cloned.UnmergedLeaves, n.UnmergedLeaves)
	return cloned
}

func (n *RatchetTreeNode) AddUnmerged(l LeafIndex) {
	n.UnmergedLeaves = append(n.UnmergedLeaves, l)
}

///
/// OptionalRatchetNode
///

type OptionalRatchetNode struct {
	Node *RatchetTreeNode `tls:"optional"`
	Hash []byte           `tls:"omit"`
}

func newLeafNode(key *HPKEPublicKey, cred *Credential) OptionalRatchetNode {
	return OptionalRatchetNode{
		Node: &RatchetTreeNode{
			PublicKey:      key,
			Credential:     cred,
			UnmergedLeaves: []LeafIndex{},
		},
	}
}

func (n OptionalRatchetNode) blank() bool {
	return n.Node == nil
}

// Equals compares node values, not hashes.
func (n OptionalRatchetNode) Equals(o OptionalRatchetNode) bool {
	switch {
	case n.blank() != o.blank():
		return false
	case n.blank():
		return true
	default:
		return n.Node.Equals(*o.Node)
	}
}

func (n OptionalRatchetNode) Clone() OptionalRatchetNode {
	cloned := OptionalRatchetNode{
		Node: nil,
		Hash: dup(n.Hash),
	}
	if !n.blank() {
		node := n.Node.Clone()
		cloned.Node = &node
	}
	return cloned
}

func (n *OptionalRatchetNode) setLeafHash(cs CipherSuite) {
	lhi := LeafNodeHashInput{HashType: 0}
	if n.Node != nil {
		if n.Node.Credential == nil {
			panic(fmt.Errorf("mls.rtn: leaf node not provisioned with a credential"))
		}
		lhi.Info = &LeafNodeInfo{
			PublicKey:  *n.Node.PublicKey,
			Credential: *n.Node.Credential,
		}
	}

	h, err := syntax.Marshal(lhi)
	if err != nil {
		panic(fmt.Errorf("mls.rtn: leaf hash marshal error %v", err))
	}
	n.Hash = cs.Digest(h)
}

func (n *OptionalRatchetNode) setParentHash(cs CipherSuite, l, r OptionalRatchetNode) {
	phi := ParentNodeHashInput{HashType: 1}
	if n.Node != nil && n.Node.PublicKey != nil {
		phi.Info = &ParentNodeInfo{
			PublicKey:      *n.Node.PublicKey,
			UnmergedLeaves: n.Node.UnmergedLeaves,
		}
	}
	phi.LeftHash = l.Hash
	phi.RightHash = r.Hash

	h, err := syntax.Marshal(phi)
	if err != nil {
		panic(fmt.Errorf("mls.rtn: parent hash marshal error %v", err))
	}
	n.Hash = cs.Digest(h)
}

///
/// TreeSecrets
///

type TreeSecrets struct {
	PrivateKeys map[nodeIndex]HPKEPrivateKey
}

func NewTreeSecrets() *TreeSecrets {
	return &TreeSecrets{PrivateKeys: map[nodeIndex]HPKEPrivateKey{}}
}

func (ts *TreeSecrets) Clone() *TreeSecrets {
	if ts == nil {
		return NewTreeSecrets()
	}

	out := NewTreeSecrets()
	for i, pk := range ts.PrivateKeys {
		out.PrivateKeys[i] = pk
	}
	return out
}

///
/// RatchetTree
///
/// The leaf width is always a power of two (or zero); the tree grows only
/// when every leaf is occupied, and removal blanks leaves without
/// compaction.

type optionalRatchetNodeList struct {
	Data []OptionalRatchetNode `tls:"head=4"`
}

type RatchetTree struct {
	Nodes   []OptionalRatchetNode `tls:"head=4"`
	Suite   CipherSuite           `tls:"omit"`
	Secrets *TreeSecrets          `tls:"omit"`
}

func newRatchetTree(cs CipherSuite) *RatchetTree {
	return &RatchetTree{
		Nodes:   []OptionalRatchetNode{},
		Suite:   cs,
		Secrets: NewTreeSecrets(),
	}
}

func (t RatchetTree) MarshalTLS() ([]byte, error) {
	enc, err := syntax.Marshal(optionalRatchetNodeList{t.Nodes})
	if err != nil {
		return nil, fmt.Errorf("mls.ratchet-tree: marshal failed: %v", err)
	}
	return enc, nil
}

func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	var list optionalRatchetNodeList
	read, err := syntax.Unmarshal(data, &list)
	if err != nil {
		return 0, fmt.Errorf("mls.ratchet-tree: unmarshal failed: %v", err)
	}

	if len(list.Data) > 0 && len(list.Data)%2 == 0 {
		return 0, fmt.Errorf("%w: even node count does not describe a tree", ErrMalformedMessage)
	}

	t.Nodes = list.Data
	t.Secrets = NewTreeSecrets()
	return read, nil
}

// setSuite must be called after unmarshaling, before any use; the tree
// hash depends on it.
func (t *RatchetTree) setSuite(cs CipherSuite) {
	t.Suite = cs
	if len(t.Nodes) > 0 {
		t.setHashAll(t.rootIndex())
	}
}

///
/// Membership operations
///

// AddLeaf places the key package at the leftmost blank leaf, growing the
// tree to the next power of two when every leaf is occupied.  New leaves
// created by growth start blank.
func (t *RatchetTree) AddLeaf(kp KeyPackage) (LeafIndex, error) {
	index, ok := t.leftmostBlank()
	if !ok {
		if err := t.grow(); err != nil {
			return 0, err
		}
		index, ok = t.leftmostBlank()
		if !ok {
			return 0, fmt.Errorf("%w: no blank leaf after growth", ErrTreeInvariantViolation)
		}
	}

	if err := t.setLeaf(index, kp); err != nil {
		return 0, err
	}
	return index, nil
}

func (t *RatchetTree) setLeaf(index LeafIndex, kp KeyPackage) error {
	n := toNodeIndex(index)
	if int(n) >= len(t.Nodes) {
		return fmt.Errorf("%w: leaf %d beyond tree edge", ErrTreeInvariantViolation, index)
	}

	initKey := kp.InitKey
	cred := kp.Credential
	t.Nodes[n] = newLeafNode(&initKey, &cred)
	if kp.privateKey != nil {
		t.Secrets.PrivateKeys[n] = *kp.privateKey
	}

	// The new leaf is unmerged at every populated ancestor until a path
	// update folds it in.
	for _, v := range dirpath(n, t.size()) {
		if t.Nodes[v].Node == nil {
			continue
		}
		t.Nodes[v].Node.AddUnmerged(index)
	}

	t.setHashPath(index)
	return nil
}

// grow extends the leaf width to the next power of two >= members+1.
func (t *RatchetTree) grow() error {
	newLeaves := leafCount(1)
	for newLeaves < t.size()+1 {
		newLeaves *= 2
	}

	width := int(nodeWidth(newLeaves))
	for len(t.Nodes) < width {
		t.Nodes = append(t.Nodes, OptionalRatchetNode{})
	}

	t.setHashAll(t.rootIndex())
	return nil
}

// BlankPath blanks a leaf's direct path up to and including the root,
// and the leaf itself when includeLeaf is set.  The tree never shrinks.
func (t *RatchetTree) BlankPath(index LeafIndex, includeLeaf bool) error {
	if len(t.Nodes) == 0 {
		return nil
	}

	n := toNodeIndex(index)
	if int(n) >= len(t.Nodes) {
		return fmt.Errorf("%w: leaf %d beyond tree edge", ErrTreeInvariantViolation, index)
	}

	if includeLeaf {
		t.Nodes[n].Node = nil
		delete(t.Secrets.PrivateKeys, n)
	}

	for _, v := range dirpath(n, t.size()) {
		t.Nodes[v].Node = nil
		delete(t.Secrets.PrivateKeys, v)
	}

	t.setHashPath(index)
	return nil
}

// MergePublic replaces a leaf's public key (an Update from another
// member).
func (t *RatchetTree) MergePublic(index LeafIndex, key *HPKEPublicKey) error {
	n := toNodeIndex(index)
	if int(n) >= len(t.Nodes) || t.Nodes[n].blank() {
		return fmt.Errorf("%w: cannot update a blank leaf", ErrTreeInvariantViolation)
	}

	t.setPublic(n, *key)
	t.setHashPath(index)
	return nil
}

// MergePrivate installs the local member's leaf private key.
func (t *RatchetTree) MergePrivate(index LeafIndex, key *HPKEPrivateKey) error {
	n := toNodeIndex(index)
	if int(n) >= len(t.Nodes) || t.Nodes[n].blank() {
		return fmt.Errorf("%w: cannot update a blank leaf", ErrTreeInvariantViolation)
	}

	t.setPrivate(n, *key)
	t.setHashPath(index)
	return nil
}

///
/// Path secrets
///

// PathSecrets chains a starting secret up the tree with the one-way path
// step, one secret per node from start to root.
func (t *RatchetTree) PathSecrets(start nodeIndex, startSecret []byte) map[nodeIndex][]byte {
	secrets := map[nodeIndex][]byte{start: dup(startSecret)}

	curr := start
	r := t.rootIndex()
	for curr != r {
		next := parent(curr, t.size())
		secrets[next] = t.pathStep(secrets[curr])
		curr = next
	}
	return secrets
}

// Encap generates a fresh direct path from the given leaf: new key pairs
// along the path, with each path secret encrypted to the resolution of
// the corresponding copath node.  Returns the path and the root secret.
func (t *RatchetTree) Encap(from LeafIndex, context, leafSecret []byte) (*DirectPath, []byte, error) {
	leafNode := toNodeIndex(from)
	if t.Nodes[leafNode].blank() {
		return nil, nil, fmt.Errorf("%w: encap from blank leaf %d", ErrTreeInvariantViolation, from)
	}

	leafPriv, err := t.nodePrivateKey(leafSecret)
	if err != nil {
		return nil, nil, err
	}
	t.setPrivate(leafNode, leafPriv)

	dp := &DirectPath{}
	dp.addNode(DirectPathNode{
		PublicKey:            t.getPublic(leafNode),
		EncryptedPathSecrets: []HPKECiphertext{},
	})

	secrets := t.PathSecrets(leafNode, leafSecret)

	for _, v := range copath(leafNode, t.size()) {
		p := parent(v, t.size())
		pathSecret := secrets[p]

		priv, err := t.nodePrivateKey(pathSecret)
		if err != nil {
			return nil, nil, err
		}
		t.ensureInit(p)
		t.setPrivate(p, priv)

		pathNode := DirectPathNode{PublicKey: t.getPublic(p)}
		for _, rn := range t.resolve(v) {
			ct, err := t.Suite.hpke().Encrypt(t.getPublic(rn), context, pathSecret)
			if err != nil {
				return nil, nil, fmt.Errorf("mls.ratchet-tree: encap encrypt failed: %v", err)
			}
			pathNode.EncryptedPathSecrets = append(pathNode.EncryptedPathSecrets, ct)
		}

		dp.addNode(pathNode)
	}

	t.setHashPath(from)
	return dp, secrets[t.rootIndex()], nil
}

func (t *RatchetTree) decryptPathSecret(from LeafIndex, context []byte, path *DirectPath) (nodeIndex, []byte, error) {
	cp := copath(toNodeIndex(from), t.size())
	if len(path.Nodes) != len(cp)+1 {
		return 0, nil, fmt.Errorf("%w: direct path has %d nodes, expected %d",
			ErrMalformedMessage, len(path.Nodes), len(cp)+1)
	}

	if len(path.Nodes[0].EncryptedPathSecrets) != 0 {
		return 0, nil, fmt.Errorf("%w: leaf path node carries encrypted secrets", ErrMalformedMessage)
	}

	for i, v := range cp {
		pathNode := path.Nodes[i+1]
		res := t.resolve(v)

		if len(pathNode.EncryptedPathSecrets) != len(res) {
			return 0, nil, fmt.Errorf("%w: path node %d has %d secrets for resolution of %d",
				ErrMalformedMessage, i+1, len(pathNode.EncryptedPathSecrets), len(res))
		}

		for idx, rn := range res {
			if !t.hasPrivate(rn) {
				continue
			}

			priv := t.getPrivate(rn)
			pathSecret, err := t.Suite.hpke().Decrypt(priv, context, pathNode.EncryptedPathSecrets[idx])
			if err != nil {
				return 0, nil, fmt.Errorf("mls.ratchet-tree: path secret decryption failure: %v", err)
			}
			return parent(v, t.size()), pathSecret, nil
		}
	}

	return 0, nil, fmt.Errorf("mls.ratchet-tree: no private key available to decrypt path secret")
}

// Implant installs the key pairs derived from a path secret from the
// given node up to the root, checking each against the public key already
// on the node.
func (t *RatchetTree) Implant(start nodeIndex, pathSecret []byte) ([]byte, error) {
	secrets := t.PathSecrets(start, pathSecret)

	for curr, secret := range secrets {
		if t.Nodes[curr].blank() {
			return nil, fmt.Errorf("%w: implant into blank node %d", ErrTreeInvariantViolation, curr)
		}

		priv, err := t.nodePrivateKey(secret)
		if err != nil {
			return nil, err
		}

		if !t.getPublic(curr).Equals(priv.PublicKey) {
			return nil, fmt.Errorf("%w: path secret does not match node %d key", ErrTreeInvariantViolation, curr)
		}

		t.Secrets.PrivateKeys[curr] = priv
	}

	return secrets[t.rootIndex()], nil
}

// Decap applies a received direct path: installs the new public keys
// along the committer's path, decrypts the path secret encrypted to this
// member's subtree, and implants it up to the root.  Returns the root
// secret.
func (t *RatchetTree) Decap(from LeafIndex, context []byte, path *DirectPath) ([]byte, error) {
	leafNode := toNodeIndex(from)
	dp := dirpath(leafNode, t.size())
	if len(path.Nodes) != len(dp)+1 {
		return nil, fmt.Errorf("%w: direct path has %d nodes, expected %d",
			ErrMalformedMessage, len(path.Nodes), len(dp)+1)
	}

	overlap, pathSecret, err := t.decryptPathSecret(from, context, path)
	if err != nil {
		return nil, err
	}

	t.setPublic(leafNode, path.Nodes[0].PublicKey)
	for i, v := range dp {
		t.ensureInit(v)
		t.setPublic(v, path.Nodes[i+1].PublicKey)
	}

	rootSecret, err := t.Implant(overlap, pathSecret)
	if err != nil {
		return nil, err
	}

	t.setHashPath(from)
	return rootSecret, nil
}

///
/// Queries
///

func (t *RatchetTree) GetCredential(index LeafIndex) (*Credential, error) {
	n := toNodeIndex(index)
	if int(n) >= len(t.Nodes) || t.Nodes[n].Node == nil {
		return nil, fmt.Errorf("%w: no credential at leaf %d", ErrTreeInvariantViolation, index)
	}
	if t.Nodes[n].Node.Credential == nil {
		return nil, fmt.Errorf("%w: leaf %d has no credential", ErrTreeInvariantViolation, index)
	}
	return t.Nodes[n].Node.Credential, nil
}

func (t *RatchetTree) RootHash() []byte {
	if len(t.Nodes) == 0 {
		return []byte{}
	}
	return t.Nodes[t.rootIndex()].Hash
}

func (t *RatchetTree) Equals(o *RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}

	for i := range t.Nodes {
		if !t.Nodes[i].Equals(o.Nodes[i]) {
			return false
		}
	}
	return true
}

// Find locates the leaf holding the given key package's init key and
// credential.
func (t *RatchetTree) Find(kp KeyPackage) (LeafIndex, bool) {
	for i := LeafIndex(0); leafCount(i) < t.size(); i++ {
		n := t.Nodes[toNodeIndex(i)]
		if n.blank() {
			continue
		}

		if kp.InitKey.Equals(*n.Node.PublicKey) && kp.Credential.Equals(*n.Node.Credential) {
			return i, true
		}
	}
	return 0, false
}

// hasDuplicate reports whether any leaf already carries the key
// package's credential or its init key.  Either overlap on its own makes
// the package a duplicate; a rotated leaf key does not free the
// credential behind it.
func (t *RatchetTree) hasDuplicate(kp KeyPackage) bool {
	for i := LeafIndex(0); leafCount(i) < t.size(); i++ {
		n := t.Nodes[toNodeIndex(i)]
		if n.blank() {
			continue
		}

		if n.Node.Credential != nil && kp.Credential.Equals(*n.Node.Credential) {
			return true
		}
		if n.Node.PublicKey != nil && kp.InitKey.Equals(*n.Node.PublicKey) {
			return true
		}
	}
	return false
}

func (t *RatchetTree) leftmostBlank() (LeafIndex, bool) {
	for i := LeafIndex(0); leafCount(i) < t.size(); i++ {
		if !t.occupied(i) {
			return i, true
		}
	}
	return 0, false
}

// size is the leaf width, including blank leaves.
func (t *RatchetTree) size() leafCount {
	return leafWidth(nodeCount(len(t.Nodes)))
}

// MemberCount is the number of occupied leaves.
func (t *RatchetTree) MemberCount() int {
	count := 0
	for i := LeafIndex(0); leafCount(i) < t.size(); i++ {
		if t.occupied(i) {
			count++
		}
	}
	return count
}

func (t *RatchetTree) occupied(l LeafIndex) bool {
	n := toNodeIndex(l)
	if int(n) >= len(t.Nodes) {
		return false
	}
	return !t.Nodes[n].blank()
}

///
/// Node accessors
///

func (t *RatchetTree) setPublic(n nodeIndex, pub HPKEPublicKey) {
	t.Nodes[n].Node.PublicKey = &pub
	t.Nodes[n].Node.UnmergedLeaves = []LeafIndex{}
	delete(t.Secrets.PrivateKeys, n)
}

func (t *RatchetTree) getPublic(n nodeIndex) HPKEPublicKey {
	return *t.Nodes[n].Node.PublicKey
}

func (t *RatchetTree) setPrivate(n nodeIndex, priv HPKEPrivateKey) {
	t.Nodes[n].Node.PublicKey = &priv.PublicKey
	t.Nodes[n].Node.UnmergedLeaves = []LeafIndex{}
	t.Secrets.PrivateKeys[n] = priv
}

func (t *RatchetTree) getPrivate(n nodeIndex) HPKEPrivateKey {
	return t.Secrets.PrivateKeys[n]
}

func (t *RatchetTree) hasPrivate(n nodeIndex) bool {
	_, ok := t.Secrets.PrivateKeys[n]
	return ok
}

func (t *RatchetTree) ensureInit(n nodeIndex) {
	if t.Nodes[n].Node == nil {
		t.Nodes[n].Node = &RatchetTreeNode{UnmergedLeaves: []LeafIndex{}}
	}
}

func (t *RatchetTree) rootIndex() nodeIndex {
	return root(t.size())
}

func (t *RatchetTree) pathStep(pathSecret []byte) []byte {
	return t.Suite.hkdfExpandLabel(pathSecret, "path", []byte{}, t.Suite.Constants().SecretSize)
}

func (t *RatchetTree) nodeStep(pathSecret []byte) []byte {
	return t.Suite.hkdfExpandLabel(pathSecret, "node", []byte{}, t.Suite.Constants().SecretSize)
}

func (t *RatchetTree) nodePrivateKey(pathSecret []byte) (HPKEPrivateKey, error) {
	return t.Suite.hpke().Derive(t.nodeStep(pathSecret))
}

// resolve computes a node's effective key set: a non-blank node plus its
// unmerged leaves; a blank leaf resolves to nothing; a blank parent to
// the concatenation of its children's resolutions.
func (t *RatchetTree) resolve(index nodeIndex) []nodeIndex {
	if t.Nodes[index].Node != nil {
		res := []nodeIndex{index}
		for _, v := range t.Nodes[index].Node.UnmergedLeaves {
			res = append(res, toNodeIndex(v))
		}
		return res
	}

	if level(index) == 0 {
		return []nodeIndex{}
	}

	l := t.resolve(left(index))
	r := t.resolve(right(index, t.size()))
	return append(l, r...)
}

///
/// Tree hashing
///

func (t *RatchetTree) setHash(index nodeIndex) {
	if level(index) == 0 {
		t.Nodes[index].setLeafHash(t.Suite)
		return
	}

	l := left(index)
	r := right(index, t.size())
	t.Nodes[index].setParentHash(t.Suite, t.Nodes[l], t.Nodes[r])
}

func (t *RatchetTree) setHashPath(index LeafIndex) {
	curr := toNodeIndex(index)
	t.Nodes[curr].setLeafHash(t.Suite)

	size := t.size()
	r := root(size)
	for curr != r {
		curr = parent(curr, size)
		t.Nodes[curr].setParentHash(t.Suite, t.Nodes[left(curr)], t.Nodes[right(curr, size)])
	}
}

func (t *RatchetTree) setHashAll(index nodeIndex) {
	if len(t.Nodes) == 0 {
		return
	}

	if level(index) == 0 {
		t.setHash(index)
		return
	}

	t.setHashAll(left(index))
	t.setHashAll(right(index, t.size()))
	t.setHash(index)
}

func (t RatchetTree) clone() *RatchetTree {
	nodes := make([]OptionalRatchetNode, 0, len(t.Nodes))
	for _, node := range t.Nodes {
		nodes = append(nodes, node.Clone())
	}

	return &RatchetTree{
		Nodes:   nodes,
		Suite:   t.Suite,
		Secrets: t.Secrets.Clone(),
	}
}
