package mls

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// GroupSession is one member's handle on one group.  It owns the current
// epoch's State and moves it forward as commits are produced or
// processed.  A session that has seen its own removal is terminal; every
// operation on it fails with ErrRemovedFromGroup.
type GroupSession struct {
	state   *State
	removed bool
}

// NewGroupSession creates a group with the local member as its only
// leaf, at epoch 0.
func NewGroupSession(groupID []byte, kp KeyPackage) (*GroupSession, error) {
	state, err := NewEmptyState(groupID, kp)
	if err != nil {
		return nil, err
	}
	return &GroupSession{state: state}, nil
}

// JoinGroupSession builds a session from a Welcome addressed to the
// given key package.
func JoinGroupSession(kp KeyPackage, welcomeBytes []byte) (*GroupSession, error) {
	var welcome Welcome
	if err := decodeExact(welcomeBytes, &welcome); err != nil {
		return nil, err
	}

	state, err := NewJoinedState(kp, welcome)
	if err != nil {
		return nil, err
	}
	return &GroupSession{state: state}, nil
}

func (gs *GroupSession) GroupID() []byte {
	return dup(gs.state.GroupID)
}

func (gs *GroupSession) Epoch() Epoch {
	return gs.state.Epoch
}

func (gs *GroupSession) guard() error {
	if gs.removed {
		return ErrRemovedFromGroup
	}
	return nil
}

func (gs *GroupSession) freshLeafSecret() ([]byte, error) {
	secret := make([]byte, gs.state.CipherSuite.newDigest().Size())
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// commit runs the proposals through the state machine and, on success,
// swaps in the next epoch.  On any error the session is unchanged.
func (gs *GroupSession) commit(proposals []Proposal) ([]byte, []byte, error) {
	leafSecret, err := gs.freshLeafSecret()
	if err != nil {
		return nil, nil, err
	}

	pt, welcome, next, err := gs.state.Commit(leafSecret, proposals)
	if err != nil {
		return nil, nil, err
	}

	commitBytes, err := encode(pt)
	if err != nil {
		return nil, nil, err
	}

	var welcomeBytes []byte
	if len(welcome.Secrets) > 0 {
		welcomeBytes, err = encode(welcome)
		if err != nil {
			return nil, nil, err
		}
	}

	prev := gs.state
	gs.state = next
	prev.Keys.discard()
	return commitBytes, welcomeBytes, nil
}

// AddMembers commits the addition of the given key packages, advancing
// the local epoch, and returns the serialized commit for current members
// and the serialized welcome for the joiners.  A key package already in
// the group, or repeated within the batch, rejects the whole batch.
func (gs *GroupSession) AddMembers(kps []KeyPackage) ([]byte, []byte, error) {
	if err := gs.guard(); err != nil {
		return nil, nil, err
	}

	if len(kps) == 0 {
		return nil, nil, fmt.Errorf("%w: no key packages to add", ErrMalformedMessage)
	}

	proposals := make([]Proposal, 0, len(kps))
	seen := map[string]bool{}
	for _, kp := range kps {
		hash, err := kp.hashRef()
		if err != nil {
			return nil, nil, err
		}
		if seen[string(hash)] {
			return nil, nil, fmt.Errorf("%w: key package repeated in batch", ErrDuplicateKeyPackage)
		}
		seen[string(hash)] = true

		p, err := gs.state.AddProposal(kp)
		if err != nil {
			return nil, nil, err
		}
		proposals = append(proposals, *p)
	}

	return gs.commit(proposals)
}

// RemoveMembers commits the removal of the given leaves, advancing the
// local epoch.
func (gs *GroupSession) RemoveMembers(removed []LeafIndex) ([]byte, error) {
	if err := gs.guard(); err != nil {
		return nil, err
	}

	if len(removed) == 0 {
		return nil, fmt.Errorf("%w: no members to remove", ErrMalformedMessage)
	}

	proposals := make([]Proposal, 0, len(removed))
	for _, index := range removed {
		if index == gs.state.Index {
			return nil, fmt.Errorf("%w: self-removal must come from another member", ErrMalformedMessage)
		}

		p, err := gs.state.RemoveProposal(index)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}

	commitBytes, _, err := gs.commit(proposals)
	return commitBytes, err
}

// ProposeAdd stages the addition of a key package without committing it
// and returns the serialized proposal message for the other members.
func (gs *GroupSession) ProposeAdd(kp KeyPackage) ([]byte, error) {
	if err := gs.guard(); err != nil {
		return nil, err
	}

	p, err := gs.state.AddProposal(kp)
	if err != nil {
		return nil, err
	}

	pt, err := gs.state.Propose(*p)
	if err != nil {
		return nil, err
	}
	return encode(pt)
}

// ProposeRemove stages the removal of a leaf without committing it and
// returns the serialized proposal message.  Proposing one's own removal
// is allowed; another member commits it.
func (gs *GroupSession) ProposeRemove(removed LeafIndex) ([]byte, error) {
	if err := gs.guard(); err != nil {
		return nil, err
	}

	p, err := gs.state.RemoveProposal(removed)
	if err != nil {
		return nil, err
	}

	pt, err := gs.state.Propose(*p)
	if err != nil {
		return nil, err
	}
	return encode(pt)
}

// ProcessProposal verifies a proposal message from another member and
// stages it for the next commit.
func (gs *GroupSession) ProcessProposal(proposalBytes []byte) error {
	if err := gs.guard(); err != nil {
		return err
	}

	var pt MLSPlaintext
	if err := decodeExact(proposalBytes, &pt); err != nil {
		return err
	}

	if pt.Content.Type() != ContentTypeProposal {
		return fmt.Errorf("%w: expected proposal content", ErrMalformedMessage)
	}

	_, err := gs.state.Handle(&pt)
	return err
}

// PendingProposalCount reports how many staged proposals the next commit
// would cover.
func (gs *GroupSession) PendingProposalCount() int {
	return len(gs.state.Pending)
}

// CommitPendingProposals commits everything staged in this epoch,
// advancing the local epoch, and returns the serialized commit plus a
// welcome when the staged proposals added members.
func (gs *GroupSession) CommitPendingProposals() ([]byte, []byte, error) {
	if err := gs.guard(); err != nil {
		return nil, nil, err
	}
	return gs.commit(nil)
}

// Update commits a path update, rotating this member's leaf key and
// every secret above it.  Staged proposals ride in the same commit.
func (gs *GroupSession) Update() ([]byte, error) {
	if err := gs.guard(); err != nil {
		return nil, err
	}

	commitBytes, _, err := gs.commit(nil)
	return commitBytes, err
}

// ProcessCommit applies a commit received from another member.  The
// session either advances one epoch or is left exactly as it was, except
// that a commit removing the local member moves the session to its
// terminal state and reports ErrRemovedFromGroup.
func (gs *GroupSession) ProcessCommit(commitBytes []byte) error {
	if err := gs.guard(); err != nil {
		return err
	}

	var pt MLSPlaintext
	if err := decodeExact(commitBytes, &pt); err != nil {
		return err
	}

	if pt.Content.Type() != ContentTypeCommit {
		return fmt.Errorf("%w: expected commit content", ErrMalformedMessage)
	}

	next, err := gs.state.Handle(&pt)
	if errors.Is(err, ErrRemovedFromGroup) {
		gs.removed = true
		gs.state.Keys.discard()
		return err
	}
	if err != nil {
		return err
	}

	prev := gs.state
	gs.state = next
	prev.Keys.discard()
	return nil
}

// Encrypt protects application data under this member's next message
// key.  Each call consumes a key generation, so identical plaintexts
// yield unrelated ciphertexts.
func (gs *GroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	if err := gs.guard(); err != nil {
		return nil, err
	}

	ct, err := gs.state.Protect(plaintext)
	if err != nil {
		return nil, err
	}
	return encode(ct)
}

// Decrypt opens an application message from the current epoch.  The
// message key is erased after use; replaying the same ciphertext fails.
func (gs *GroupSession) Decrypt(ciphertext []byte) ([]byte, error) {
	if err := gs.guard(); err != nil {
		return nil, err
	}

	var ct MLSCiphertext
	if err := decodeExact(ciphertext, &ct); err != nil {
		return nil, err
	}

	return gs.state.Unprotect(&ct)
}

// ExportSecret derives an application secret bound to the current epoch.
func (gs *GroupSession) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	if err := gs.guard(); err != nil {
		return nil, err
	}
	return gs.state.Keys.Export(label, context, length)
}
