package mls

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"reflect"
)

// State is one epoch's view of a group: the shared confirmed state every
// member agrees on, plus this member's position and secrets.
type State struct {
	// Shared confirmed state
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`

	// Per-member state
	Index        LeafIndex           `tls:"omit"`
	IdentityPriv SignaturePrivateKey `tls:"omit"`
	Scheme       SignatureScheme     `tls:"omit"`

	// Secret state
	Keys keyScheduleEpoch `tls:"omit"`

	// Proposals received (or created) in this epoch, awaiting a commit
	Pending []pendingProposal `tls:"omit"`
}

// pendingProposal is a staged proposal together with the member that
// sent it.  Sender attribution matters for Update proposals, which act
// on the proposer's own leaf.
type pendingProposal struct {
	Sender   LeafIndex
	Proposal Proposal
}

// NewEmptyState creates a single-member group at epoch 0, seeded with
// fresh randomness in place of a prior epoch's secrets.
func NewEmptyState(groupID []byte, kp KeyPackage) (*State, error) {
	if kp.privateKey == nil {
		return nil, fmt.Errorf("mls.state: key package has no init private key")
	}
	if kp.Credential.privateKey == nil {
		return nil, fmt.Errorf("mls.state: key package has no signing key")
	}

	suite := kp.CipherSuite
	tree := newRatchetTree(suite)
	index, err := tree.AddLeaf(kp)
	if err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		Tree:                    *tree,
		ConfirmedTranscriptHash: []byte{},
		InterimTranscriptHash:   []byte{},
		Index:                   index,
		IdentityPriv:            *kp.Credential.privateKey,
		Scheme:                  kp.Credential.Scheme(),
	}

	initialSecret := make([]byte, suite.newDigest().Size())
	if _, err := rand.Read(initialSecret); err != nil {
		return nil, err
	}

	ctx, err := encode(s.groupContext())
	if err != nil {
		return nil, err
	}

	s.Keys = firstKeyScheduleEpoch(suite, s.Tree.size(), initialSecret, ctx)
	return s, nil
}

// NewJoinedState builds a member's state from a Welcome addressed to the
// given key package.
func NewJoinedState(kp KeyPackage, welcome Welcome) (*State, error) {
	if kp.CipherSuite != welcome.CipherSuite {
		return nil, fmt.Errorf("%w: welcome and key package disagree on suite", ErrMalformedMessage)
	}
	if kp.Credential.privateKey == nil {
		return nil, fmt.Errorf("mls.state: key package has no signing key")
	}

	suite := welcome.CipherSuite
	gs, err := welcome.decryptSecrets(kp)
	if err != nil {
		return nil, err
	}

	gi, err := welcome.decryptGroupInfo(gs.JoinerSecret)
	if err != nil {
		return nil, err
	}

	if err := gi.verify(); err != nil {
		return nil, err
	}

	s := &State{
		CipherSuite:             suite,
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Tree:                    *gi.Tree.clone(),
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:   gi.InterimTranscriptHash,
		IdentityPriv:            *kp.Credential.privateKey,
		Scheme:                  kp.Credential.Scheme(),
	}

	index, ok := s.Tree.Find(kp)
	if !ok {
		return nil, fmt.Errorf("%w: joiner not in the welcomed tree", ErrMalformedMessage)
	}
	s.Index = index

	if err := s.Tree.MergePrivate(index, kp.privateKey); err != nil {
		return nil, err
	}

	// The committer shares the path secret of our common ancestor, which
	// yields private keys for every node from there to the root.
	if gs.PathSecret != nil {
		commonAncestor := ancestor(index, gi.SignerIndex)
		if _, err := s.Tree.Implant(commonAncestor, gs.PathSecret.Data); err != nil {
			return nil, err
		}
	}

	ctx, err := encode(s.groupContext())
	if err != nil {
		return nil, err
	}

	s.Keys = newKeyScheduleEpoch(suite, s.Tree.size(), gs.JoinerSecret, ctx)

	if !s.verifyConfirmation(gi.Confirmation) {
		return nil, fmt.Errorf("%w: welcome confirmation", ErrConfirmationTagMismatch)
	}

	return s, nil
}

///
/// Proposal construction
///

// AddProposal validates a key package and wraps it for inclusion in a
// commit.  A package already present in the tree is a duplicate.
func (s *State) AddProposal(kp KeyPackage) (*Proposal, error) {
	if !kp.Verify() {
		return nil, fmt.Errorf("%w: key package signature", ErrSignatureVerificationFailed)
	}

	if kp.CipherSuite != s.CipherSuite {
		return nil, fmt.Errorf("%w: key package suite does not match group", ErrMalformedMessage)
	}

	if s.Tree.hasDuplicate(kp) {
		return nil, fmt.Errorf("%w: credential or init key already in group", ErrDuplicateKeyPackage)
	}

	return &Proposal{Add: &AddProposal{KeyPackage: kp.clone()}}, nil
}

func (s *State) RemoveProposal(removed LeafIndex) (*Proposal, error) {
	if !s.Tree.occupied(removed) {
		return nil, fmt.Errorf("%w: remove of blank leaf %d", ErrTreeInvariantViolation, removed)
	}

	return &Proposal{Remove: &RemoveProposal{Removed: removed}}, nil
}

func (s *State) UpdateProposal(leafSecret []byte) (*Proposal, error) {
	key, err := s.CipherSuite.hpke().Derive(leafSecret)
	if err != nil {
		return nil, err
	}

	return &Proposal{Update: &UpdateProposal{LeafKey: key.PublicKey}}, nil
}

// Propose wraps a proposal in a signed, membership-tagged message for
// the rest of the group and stages it locally for a later commit.
func (s *State) Propose(proposal Proposal) (*MLSPlaintext, error) {
	pt := &MLSPlaintext{
		GroupID: s.GroupID,
		Epoch:   s.Epoch,
		Sender:  Sender{SenderTypeMember, uint32(s.Index)},
		Content: MLSPlaintextContent{
			Proposal: &proposal,
		},
	}

	if err := pt.sign(s.groupContext(), s.IdentityPriv, s.Scheme); err != nil {
		return nil, err
	}

	hm := s.CipherSuite.newHMAC(s.Keys.MembershipKey)
	hm.Write(pt.membershipTagInput(s.groupContext()))
	pt.MembershipTag = hm.Sum(nil)

	s.Pending = append(s.Pending, pendingProposal{s.Index, proposal})
	return pt, nil
}

///
/// Commit creation
///

// Commit applies the staged proposals, the given proposals, and a fresh
// path update to a copy of the state, producing the commit message, a
// Welcome for any added members, and the next epoch's state.  The
// receiver is left untouched.  A staged Update from another member is
// not covered: only its proposer can commit against its own leaf.
func (s *State) Commit(leafSecret []byte, proposals []Proposal) (*MLSPlaintext, *Welcome, *State, error) {
	covered := make([]Proposal, 0, len(s.Pending)+len(proposals))
	for _, pp := range s.Pending {
		if pp.Proposal.Type() == ProposalTypeUpdate && pp.Sender != s.Index {
			continue
		}
		covered = append(covered, pp.Proposal)
	}
	covered = append(covered, proposals...)
	commit := Commit{Proposals: covered}

	next := s.clone()
	next.Pending = nil
	joiners, err := next.apply(s.Index, commit)
	if err != nil {
		return nil, nil, nil, err
	}

	// KEM new entropy to the new group
	ctx, err := encode(next.groupContext())
	if err != nil {
		return nil, nil, nil, err
	}

	path, commitSecret, err := next.Tree.Encap(s.Index, ctx, leafSecret)
	if err != nil {
		return nil, nil, nil, err
	}
	commit.Path = *path

	// Form the commit message and advance transcripts / key schedule
	pt, err := next.ratchetAndSign(commit, commitSecret, s.groupContext(), s.Keys.MembershipKey)
	if err != nil {
		return nil, nil, nil, err
	}

	// Complete the GroupInfo and form the Welcome
	gi := &GroupInfo{
		GroupID:                 next.GroupID,
		Epoch:                   next.Epoch,
		Tree:                    *next.Tree.clone(),
		ConfirmedTranscriptHash: next.ConfirmedTranscriptHash,
		InterimTranscriptHash:   next.InterimTranscriptHash,
		Confirmation:            pt.Content.Commit.Confirmation,
	}
	if err := gi.sign(next.Index, &next.IdentityPriv); err != nil {
		return nil, nil, nil, err
	}

	welcome, err := newWelcome(s.CipherSuite, next.Keys.JoinerSecret, gi)
	if err != nil {
		return nil, nil, nil, err
	}

	pathSecrets := next.Tree.PathSecrets(toNodeIndex(next.Index), leafSecret)
	for _, kp := range joiners {
		leaf, ok := next.Tree.Find(kp)
		if !ok {
			return nil, nil, nil, fmt.Errorf("mls.state: new joiner missing from tree")
		}

		commonAncestor := ancestor(leaf, next.Index)
		pathSecret, ok := pathSecrets[commonAncestor]
		if !ok {
			return nil, nil, nil, fmt.Errorf("mls.state: no path secret for new joiner")
		}

		if err := welcome.EncryptTo(kp, pathSecret); err != nil {
			return nil, nil, nil, err
		}
	}

	return pt, welcome, next, nil
}

///
/// Proposal application
///

// apply folds a commit's proposals into the tree in list order and
// returns the key packages of added members.
func (s *State) apply(committer LeafIndex, commit Commit) ([]KeyPackage, error) {
	var joiners []KeyPackage
	for _, proposal := range commit.Proposals {
		switch proposal.Type() {
		case ProposalTypeAdd:
			kp := proposal.Add.KeyPackage
			if !kp.Verify() {
				return nil, fmt.Errorf("%w: added key package signature", ErrSignatureVerificationFailed)
			}
			if s.Tree.hasDuplicate(kp) {
				return nil, fmt.Errorf("%w: credential or init key already in group", ErrDuplicateKeyPackage)
			}

			if _, err := s.Tree.AddLeaf(kp); err != nil {
				return nil, err
			}
			joiners = append(joiners, kp)

		case ProposalTypeUpdate:
			if err := s.Tree.BlankPath(committer, false); err != nil {
				return nil, err
			}
			if err := s.Tree.MergePublic(committer, &proposal.Update.LeafKey); err != nil {
				return nil, err
			}

		case ProposalTypeRemove:
			removed := proposal.Remove.Removed
			if !s.Tree.occupied(removed) {
				return nil, fmt.Errorf("%w: remove of blank leaf %d", ErrTreeInvariantViolation, removed)
			}
			if err := s.Tree.BlankPath(removed, true); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("%w: invalid proposal type", ErrMalformedMessage)
		}
	}
	return joiners, nil
}

///
/// Commit processing
///

// Handle processes a handshake message from another member.  A proposal
// is verified and staged on the receiver itself for a later commit.  A
// commit returns the next epoch's state, and on any error the caller's
// state is exactly as it was.  A commit that removes the local member
// returns ErrRemovedFromGroup with a valid terminal view of the
// departure.
func (s *State) Handle(pt *MLSPlaintext) (*State, error) {
	if !bytes.Equal(pt.GroupID, s.GroupID) {
		return nil, fmt.Errorf("%w: message for a different group", ErrMalformedMessage)
	}

	if pt.Epoch != s.Epoch {
		return nil, fmt.Errorf("%w: have epoch %d, message is for %d", ErrEpochMismatch, s.Epoch, pt.Epoch)
	}

	contentType := pt.Content.Type()
	if contentType != ContentTypeProposal && contentType != ContentTypeCommit {
		return nil, fmt.Errorf("%w: expected proposal or commit content", ErrMalformedMessage)
	}

	if pt.Sender.Type != SenderTypeMember {
		return nil, fmt.Errorf("%w: handshake message from non-member sender", ErrMalformedMessage)
	}

	senderIndex := LeafIndex(pt.Sender.Sender)
	if senderIndex == s.Index {
		return nil, fmt.Errorf("mls.state: own messages are staged when they are created")
	}

	cred, err := s.Tree.GetCredential(senderIndex)
	if err != nil {
		return nil, err
	}

	if !pt.verify(s.groupContext(), cred.PublicKey(), cred.Scheme()) {
		return nil, fmt.Errorf("%w: handshake message signature", ErrSignatureVerificationFailed)
	}

	if !s.verifyMembershipTag(pt) {
		return nil, fmt.Errorf("%w: handshake message membership tag", ErrSignatureVerificationFailed)
	}

	if contentType == ContentTypeProposal {
		s.Pending = append(s.Pending, pendingProposal{senderIndex, *pt.Content.Proposal})
		return s, nil
	}

	commitData := pt.Content.Commit

	// A commit that removes this member cannot be decapped; the leaf is
	// excluded from the new epoch's secrets.
	for _, proposal := range commitData.Commit.Proposals {
		if proposal.Type() == ProposalTypeRemove && proposal.Remove.Removed == s.Index {
			return nil, ErrRemovedFromGroup
		}
	}

	next := s.clone()
	next.Pending = nil
	if _, err := next.apply(senderIndex, commitData.Commit); err != nil {
		return nil, err
	}

	ctx, err := encode(next.groupContext())
	if err != nil {
		return nil, err
	}

	commitSecret, err := next.Tree.Decap(senderIndex, ctx, &commitData.Commit.Path)
	if err != nil {
		return nil, err
	}

	// Update the confirmed transcript hash
	digest := next.CipherSuite.newDigest()
	digest.Write(next.InterimTranscriptHash)
	digest.Write(pt.commitContent())
	next.ConfirmedTranscriptHash = digest.Sum(nil)

	// Advance the key schedule
	next.Epoch += 1
	next.updateEpochSecrets(commitSecret)

	if !next.verifyConfirmation(commitData.Confirmation) {
		return nil, fmt.Errorf("%w: commit confirmation", ErrConfirmationTagMismatch)
	}

	authData, err := pt.commitAuthData()
	if err != nil {
		return nil, err
	}

	digest = next.CipherSuite.newDigest()
	digest.Write(next.ConfirmedTranscriptHash)
	digest.Write(authData)
	next.InterimTranscriptHash = digest.Sum(nil)

	return next, nil
}

func (s *State) updateEpochSecrets(commitSecret []byte) {
	ctx, err := encode(s.groupContext())
	if err != nil {
		panic(fmt.Errorf("mls.state: group context marshal failure %v", err))
	}
	s.Keys = s.Keys.Next(s.Tree.size(), commitSecret, ctx)
}

func (s *State) ratchetAndSign(op Commit, commitSecret []byte, prevCtx GroupContext, prevMembershipKey []byte) (*MLSPlaintext, error) {
	pt := &MLSPlaintext{
		GroupID: s.GroupID,
		Epoch:   s.Epoch,
		Sender:  Sender{SenderTypeMember, uint32(s.Index)},
		Content: MLSPlaintextContent{
			Commit: &CommitData{Commit: op},
		},
	}

	// Update the confirmed transcript hash
	digest := s.CipherSuite.newDigest()
	digest.Write(s.InterimTranscriptHash)
	digest.Write(pt.commitContent())
	s.ConfirmedTranscriptHash = digest.Sum(nil)

	// Advance the key schedule
	s.Epoch += 1
	s.updateEpochSecrets(commitSecret)

	// Confirmation comes from the new epoch's keys; the signature and
	// membership tag are verifiable in the old epoch.
	hm := s.CipherSuite.newHMAC(s.Keys.ConfirmationKey)
	hm.Write(s.ConfirmedTranscriptHash)
	pt.Content.Commit.Confirmation = hm.Sum(nil)

	if err := pt.sign(prevCtx, s.IdentityPriv, s.Scheme); err != nil {
		return nil, err
	}

	hm = s.CipherSuite.newHMAC(prevMembershipKey)
	hm.Write(pt.membershipTagInput(prevCtx))
	pt.MembershipTag = hm.Sum(nil)

	authData, err := pt.commitAuthData()
	if err != nil {
		return nil, err
	}

	digest = s.CipherSuite.newDigest()
	digest.Write(s.ConfirmedTranscriptHash)
	digest.Write(authData)
	s.InterimTranscriptHash = digest.Sum(nil)

	return pt, nil
}

func (s *State) verifyConfirmation(confirmation []byte) bool {
	hm := s.CipherSuite.newHMAC(s.Keys.ConfirmationKey)
	hm.Write(s.ConfirmedTranscriptHash)
	return bytes.Equal(hm.Sum(nil), confirmation)
}

func (s *State) verifyMembershipTag(pt *MLSPlaintext) bool {
	hm := s.CipherSuite.newHMAC(s.Keys.MembershipKey)
	hm.Write(pt.membershipTagInput(s.groupContext()))
	return bytes.Equal(hm.Sum(nil), pt.MembershipTag)
}

func (s *State) groupContext() GroupContext {
	return GroupContext{
		GroupID:                 s.GroupID,
		Epoch:                   s.Epoch,
		TreeHash:                s.Tree.RootHash(),
		ConfirmedTranscriptHash: s.ConfirmedTranscriptHash,
	}
}

///
/// Message protection
///

func applyGuard(nonceIn []byte, reuseGuard [4]byte) []byte {
	nonceOut := dup(nonceIn)
	for i := range reuseGuard {
		nonceOut[i] ^= reuseGuard[i]
	}
	return nonceOut
}

// Protect signs and encrypts application data under this member's next
// message key.
func (s *State) Protect(data []byte) (*MLSCiphertext, error) {
	pt := &MLSPlaintext{
		GroupID: s.GroupID,
		Epoch:   s.Epoch,
		Sender:  Sender{SenderTypeMember, uint32(s.Index)},
		Content: MLSPlaintextContent{
			Application: &ApplicationData{Data: data},
		},
	}

	if err := pt.sign(s.groupContext(), s.IdentityPriv, s.Scheme); err != nil {
		return nil, err
	}
	return s.encrypt(pt)
}

// Unprotect decrypts a ciphertext from this epoch, verifies the sender's
// signature, and returns the application data.  The message key is
// destroyed whether or not verification succeeds.
func (s *State) Unprotect(ct *MLSCiphertext) ([]byte, error) {
	pt, err := s.decrypt(ct)
	if err != nil {
		return nil, err
	}

	senderIndex := LeafIndex(pt.Sender.Sender)
	cred, err := s.Tree.GetCredential(senderIndex)
	if err != nil {
		return nil, err
	}

	if !pt.verify(s.groupContext(), cred.PublicKey(), cred.Scheme()) {
		return nil, fmt.Errorf("%w: application message signature", ErrSignatureVerificationFailed)
	}

	if pt.Content.Type() != ContentTypeApplication {
		return nil, fmt.Errorf("%w: unprotect of non-application content", ErrMalformedMessage)
	}
	return pt.Content.Application.Data, nil
}

func (s *State) encrypt(pt *MLSPlaintext) (*MLSCiphertext, error) {
	generation, keys, err := s.Keys.Keys.Next(s.Index)
	if err != nil {
		return nil, err
	}
	defer s.Keys.Keys.Erase(s.Index, generation)

	var reuseGuard [4]byte
	if _, err := rand.Read(reuseGuard[:]); err != nil {
		return nil, err
	}

	stream := NewWriteStream()
	if err := stream.WriteAll(s.Index, generation, reuseGuard); err != nil {
		return nil, err
	}
	senderData := stream.Data()

	senderDataNonce := make([]byte, s.CipherSuite.Constants().NonceSize)
	if _, err := rand.Read(senderDataNonce); err != nil {
		return nil, err
	}

	sdAead, err := s.CipherSuite.newAEAD(s.Keys.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sdAAD := senderDataAAD(s.GroupID, s.Epoch, pt.Content.Type(), senderDataNonce)
	sdCt := sdAead.Seal(nil, senderDataNonce, senderData, sdAAD)

	stream = NewWriteStream()
	if err := stream.WriteAll(pt.Content, pt.Signature); err != nil {
		return nil, err
	}
	content := stream.Data()

	aad := contentAAD(s.GroupID, s.Epoch, pt.Content.Type(),
		pt.AuthenticatedData, senderDataNonce, sdCt)
	aead, err := s.CipherSuite.newAEAD(keys.Key)
	if err != nil {
		return nil, err
	}
	contentCt := aead.Seal(nil, applyGuard(keys.Nonce, reuseGuard), content, aad)

	return &MLSCiphertext{
		GroupID:             s.GroupID,
		Epoch:               s.Epoch,
		ContentType:         pt.Content.Type(),
		AuthenticatedData:   pt.AuthenticatedData,
		SenderDataNonce:     senderDataNonce,
		EncryptedSenderData: sdCt,
		Ciphertext:          contentCt,
	}, nil
}

func (s *State) decrypt(ct *MLSCiphertext) (*MLSPlaintext, error) {
	if !bytes.Equal(ct.GroupID, s.GroupID) {
		return nil, fmt.Errorf("%w: ciphertext not from this group", ErrMalformedMessage)
	}

	if ct.Epoch != s.Epoch {
		return nil, fmt.Errorf("%w: have epoch %d, ciphertext is for %d", ErrEpochMismatch, s.Epoch, ct.Epoch)
	}

	sdAead, err := s.CipherSuite.newAEAD(s.Keys.SenderDataKey)
	if err != nil {
		return nil, err
	}
	sdAAD := senderDataAAD(ct.GroupID, ct.Epoch, ct.ContentType, ct.SenderDataNonce)
	sd, err := sdAead.Open(nil, ct.SenderDataNonce, ct.EncryptedSenderData, sdAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: sender data decryption failed", ErrMalformedMessage)
	}

	var sender LeafIndex
	var generation uint32
	var reuseGuard [4]byte
	stream := NewReadStream(sd)
	if _, err := stream.ReadAll(&sender, &generation, &reuseGuard); err != nil {
		return nil, err
	}

	if !s.Tree.occupied(sender) {
		return nil, fmt.Errorf("%w: message from unoccupied leaf %d", ErrMalformedMessage, sender)
	}

	keys, err := s.Keys.Keys.Get(sender, generation)
	if err != nil {
		return nil, err
	}

	aad := contentAAD(ct.GroupID, ct.Epoch, ct.ContentType,
		ct.AuthenticatedData, ct.SenderDataNonce, ct.EncryptedSenderData)
	aead, err := s.CipherSuite.newAEAD(keys.Key)
	if err != nil {
		return nil, err
	}

	// The key is consumed only by a successful open; a forged frame
	// naming this (sender, generation) must not burn the real message's
	// key.
	content, err := aead.Open(nil, applyGuard(keys.Nonce, reuseGuard), ct.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: content decryption failed", ErrMalformedMessage)
	}
	s.Keys.Keys.Erase(sender, generation)

	var mlsContent MLSPlaintextContent
	var signature Signature
	stream = NewReadStream(content)
	if _, err := stream.ReadAll(&mlsContent, &signature); err != nil {
		return nil, err
	}

	if mlsContent.Type() != ct.ContentType {
		return nil, fmt.Errorf("%w: content type does not match envelope", ErrMalformedMessage)
	}

	return &MLSPlaintext{
		GroupID:           s.GroupID,
		Epoch:             s.Epoch,
		Sender:            Sender{SenderTypeMember, uint32(sender)},
		AuthenticatedData: ct.AuthenticatedData,
		Content:           mlsContent,
		Signature:         signature,
	}, nil
}

func senderDataAAD(gid []byte, epoch Epoch, contentType ContentType, nonce []byte) []byte {
	s := NewWriteStream()
	err := s.Write(struct {
		GroupID         []byte `tls:"head=1"`
		Epoch           Epoch
		ContentType     ContentType
		SenderDataNonce []byte `tls:"head=1"`
	}{
		GroupID:         gid,
		Epoch:           epoch,
		ContentType:     contentType,
		SenderDataNonce: nonce,
	})
	if err != nil {
		return nil
	}
	return s.Data()
}

func contentAAD(gid []byte, epoch Epoch,
	contentType ContentType, authenticatedData []byte,
	nonce []byte, encSenderData []byte) []byte {

	s := NewWriteStream()
	err := s.Write(struct {
		GroupID             []byte `tls:"head=1"`
		Epoch               Epoch
		ContentType         ContentType
		AuthenticatedData   []byte `tls:"head=4"`
		SenderDataNonce     []byte `tls:"head=1"`
		EncryptedSenderData []byte `tls:"head=1"`
	}{
		GroupID:             gid,
		Epoch:               epoch,
		ContentType:         contentType,
		AuthenticatedData:   authenticatedData,
		SenderDataNonce:     nonce,
		EncryptedSenderData: encSenderData,
	})
	if err != nil {
		return nil
	}
	return s.Data()
}

///
/// Comparison and cloning
///

func (s *State) clone() *State {
	return &State{
		CipherSuite:             s.CipherSuite,
		GroupID:                 dup(s.GroupID),
		Epoch:                   s.Epoch,
		Tree:                    *s.Tree.clone(),
		ConfirmedTranscriptHash: dup(s.ConfirmedTranscriptHash),
		InterimTranscriptHash:   dup(s.InterimTranscriptHash),
		Index:                   s.Index,
		IdentityPriv:            s.IdentityPriv,
		Scheme:                  s.Scheme,
		Keys:                    s.Keys,
		Pending:                 append([]pendingProposal(nil), s.Pending...),
	}
}

// Equals compares the shared confirmed state of two members' views.
func (s *State) Equals(o *State) bool {
	suite := s.CipherSuite == o.CipherSuite
	groupID := bytes.Equal(s.GroupID, o.GroupID)
	epoch := s.Epoch == o.Epoch
	tree := s.Tree.Equals(&o.Tree)
	cth := bytes.Equal(s.ConfirmedTranscriptHash, o.ConfirmedTranscriptHash)
	ith := bytes.Equal(s.InterimTranscriptHash, o.InterimTranscriptHash)
	secrets := reflect.DeepEqual(s.Keys.EpochSecret, o.Keys.EpochSecret)

	return suite && groupID && epoch && tree && cth && ith && secrets
}
