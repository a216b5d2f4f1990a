package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func freshSecret(t *testing.T, suite CipherSuite) []byte {
	kp := newTestKeyPackage(t, suite, []byte("entropy"))
	h, err := kp.hashRef()
	require.Nil(t, err)
	return suite.Digest(h)
}

func TestStateTwoPerson(t *testing.T) {
	for _, suite := range allSuites {
		kpA := newTestKeyPackage(t, suite, []byte("alice"))
		kpB := newTestKeyPackage(t, suite, []byte("bob"))

		alice0, err := NewEmptyState(testGroupID, kpA)
		require.Nil(t, err)
		require.Equal(t, Epoch(0), alice0.Epoch)

		add, err := alice0.AddProposal(publicOnly(t, kpB))
		require.Nil(t, err)

		pt, welcome, alice1, err := alice0.Commit(freshSecret(t, suite), []Proposal{*add})
		require.Nil(t, err)
		require.NotNil(t, pt)
		require.Equal(t, Epoch(1), alice1.Epoch)
		require.Equal(t, Epoch(0), alice0.Epoch, "commit must not mutate the committer's state")

		bob1, err := NewJoinedState(kpB, *welcome)
		require.Nil(t, err)
		require.True(t, alice1.Equals(bob1))

		// Messages flow both ways
		ct, err := alice1.Protect(testMessage)
		require.Nil(t, err)
		out, err := bob1.Unprotect(ct)
		require.Nil(t, err)
		require.Equal(t, testMessage, out)

		ct, err = bob1.Protect(testMessage)
		require.Nil(t, err)
		out, err = alice1.Unprotect(ct)
		require.Nil(t, err)
		require.Equal(t, testMessage, out)
	}
}

func TestStateThreePerson(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))
	kpC := newTestKeyPackage(t, testSuite, []byte("carol"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	_, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)

	// Alice adds Carol; Bob follows via the commit, Carol via the welcome
	add, err = alice1.AddProposal(publicOnly(t, kpC))
	require.Nil(t, err)
	pt, welcome, alice2, err := alice1.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)
	require.Equal(t, Epoch(2), alice2.Epoch)

	bob2, err := bob1.Handle(pt)
	require.Nil(t, err)
	require.True(t, alice2.Equals(bob2))

	carol2, err := NewJoinedState(kpC, *welcome)
	require.Nil(t, err)
	require.True(t, alice2.Equals(carol2))

	// Any member can message the others
	ct, err := carol2.Protect(testMessage)
	require.Nil(t, err)

	out, err := alice2.Unprotect(ct)
	require.Nil(t, err)
	require.Equal(t, testMessage, out)

	out, err = bob2.Unprotect(ct)
	require.Nil(t, err)
	require.Equal(t, testMessage, out)
}

func TestStateRemove(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))
	kpC := newTestKeyPackage(t, testSuite, []byte("carol"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	addB, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	addC, err := alice0.AddProposal(publicOnly(t, kpC))
	require.Nil(t, err)

	pt, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*addB, *addC})
	require.Nil(t, err)
	require.NotNil(t, pt)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)
	carol1, err := NewJoinedState(kpC, *welcome)
	require.Nil(t, err)

	// Alice removes Bob
	remove, err := alice1.RemoveProposal(bob1.Index)
	require.Nil(t, err)
	pt, _, alice2, err := alice1.Commit(freshSecret(t, testSuite), []Proposal{*remove})
	require.Nil(t, err)

	_, err = bob1.Handle(pt)
	require.True(t, errors.Is(err, ErrRemovedFromGroup))

	carol2, err := carol1.Handle(pt)
	require.Nil(t, err)
	require.True(t, alice2.Equals(carol2))

	// Bob's leaf is blank in the survivors' trees
	require.False(t, alice2.Tree.occupied(bob1.Index))

	ct, err := alice2.Protect(testMessage)
	require.Nil(t, err)
	out, err := carol2.Unprotect(ct)
	require.Nil(t, err)
	require.Equal(t, testMessage, out)
}

func TestStateTamperedConfirmation(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))
	kpC := newTestKeyPackage(t, testSuite, []byte("carol"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	_, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)

	add, err = alice1.AddProposal(publicOnly(t, kpC))
	require.Nil(t, err)
	pt, _, _, err := alice1.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	// A commit with a corrupted confirmation tag, re-authenticated with
	// the committer's own keys, must still fail the confirmation check
	// and leave the receiver untouched.
	pt.Content.Commit.Confirmation[0] ^= 0xFF
	require.Nil(t, pt.sign(alice1.groupContext(), alice1.IdentityPriv, alice1.Scheme))
	hm := testSuite.newHMAC(alice1.Keys.MembershipKey)
	hm.Write(pt.membershipTagInput(alice1.groupContext()))
	pt.MembershipTag = hm.Sum(nil)

	_, err = bob1.Handle(pt)
	require.True(t, errors.Is(err, ErrConfirmationTagMismatch))
	require.Equal(t, Epoch(1), bob1.Epoch)
}

func TestStateRejectsForgedCommit(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	pt, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)
	require.NotNil(t, pt)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)

	kpC := newTestKeyPackage(t, testSuite, []byte("carol"))
	add, err = alice1.AddProposal(publicOnly(t, kpC))
	require.Nil(t, err)
	pt, _, _, err = alice1.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	// Corrupting the signature without fixing the tags is detected
	pt.Signature.Data[0] ^= 0xFF
	_, err = bob1.Handle(pt)
	require.True(t, errors.Is(err, ErrSignatureVerificationFailed))
	require.Equal(t, Epoch(1), bob1.Epoch)
}

func TestStateEpochMismatch(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	_, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)

	// Bob encrypts in epoch 1; Alice has moved to epoch 2 by then
	ct, err := bob1.Protect(testMessage)
	require.Nil(t, err)

	_, _, alice2, err := alice1.Commit(freshSecret(t, testSuite), nil)
	require.Nil(t, err)

	_, err = alice2.Unprotect(ct)
	require.True(t, errors.Is(err, ErrEpochMismatch))
}

func TestStateDuplicateAdd(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	_, _, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	// Bob is already in the group
	_, err = alice1.AddProposal(publicOnly(t, kpB))
	require.True(t, errors.Is(err, ErrDuplicateKeyPackage))
}

func TestStateDuplicateCredential(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))

	scheme := testSuite.Scheme()
	sigPriv, err := scheme.Generate()
	require.Nil(t, err)
	credB := NewBasicCredential([]byte("bob"), scheme, &sigPriv)
	kpB, err := NewKeyPackage(testSuite, credB)
	require.Nil(t, err)

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, *kpB))
	require.Nil(t, err)
	_, _, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	// The same credential behind a fresh init key is still Bob
	kpB2, err := NewKeyPackage(testSuite, credB)
	require.Nil(t, err)
	_, err = alice1.AddProposal(publicOnly(t, *kpB2))
	require.True(t, errors.Is(err, ErrDuplicateKeyPackage))
}

func TestStateDuplicateInitKey(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	scheme := testSuite.Scheme()

	initPriv, err := testSuite.hpke().Generate()
	require.Nil(t, err)

	sigPrivB, err := scheme.Generate()
	require.Nil(t, err)
	kpB, err := NewKeyPackageWithInitKey(testSuite, initPriv, NewBasicCredential([]byte("bob"), scheme, &sigPrivB))
	require.Nil(t, err)

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, *kpB))
	require.Nil(t, err)
	_, _, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	// A different identity reusing Bob's init key is a duplicate too
	sigPrivC, err := scheme.Generate()
	require.Nil(t, err)
	kpC, err := NewKeyPackageWithInitKey(testSuite, initPriv, NewBasicCredential([]byte("carol"), scheme, &sigPrivC))
	require.Nil(t, err)
	_, err = alice1.AddProposal(publicOnly(t, *kpC))
	require.True(t, errors.Is(err, ErrDuplicateKeyPackage))
}

func TestStateDuplicateAfterLeafRotation(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	_, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)

	// Bob rotates his leaf key; his original package no longer matches
	// any leaf key, but his credential is still in the group
	pt, _, _, err := bob1.Commit(freshSecret(t, testSuite), nil)
	require.Nil(t, err)
	alice2, err := alice1.Handle(pt)
	require.Nil(t, err)

	_, err = alice2.AddProposal(publicOnly(t, kpB))
	require.True(t, errors.Is(err, ErrDuplicateKeyPackage))
}

func TestStateProposeThenCommit(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))
	kpC := newTestKeyPackage(t, testSuite, []byte("carol"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	_, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)

	// Bob proposes adding Carol; Alice stages the proposal and commits it
	add, err = bob1.AddProposal(publicOnly(t, kpC))
	require.Nil(t, err)
	prop, err := bob1.Propose(*add)
	require.Nil(t, err)
	require.Len(t, bob1.Pending, 1)

	_, err = alice1.Handle(prop)
	require.Nil(t, err)
	require.Len(t, alice1.Pending, 1)

	pt, welcome, alice2, err := alice1.Commit(freshSecret(t, testSuite), nil)
	require.Nil(t, err)
	require.Equal(t, Epoch(2), alice2.Epoch)
	require.Empty(t, alice2.Pending)
	require.Len(t, pt.Content.Commit.Commit.Proposals, 1)

	bob2, err := bob1.Handle(pt)
	require.Nil(t, err)
	require.True(t, alice2.Equals(bob2))
	require.Empty(t, bob2.Pending)

	carol2, err := NewJoinedState(kpC, *welcome)
	require.Nil(t, err)
	require.True(t, alice2.Equals(carol2))

	ct, err := carol2.Protect(testMessage)
	require.Nil(t, err)
	out, err := bob2.Unprotect(ct)
	require.Nil(t, err)
	require.Equal(t, testMessage, out)
}

func TestStateCommitSkipsOthersUpdates(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	_, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)

	// Only Bob can commit an update to his own leaf; Alice's commit must
	// not cover it
	up, err := bob1.UpdateProposal(freshSecret(t, testSuite))
	require.Nil(t, err)
	prop, err := bob1.Propose(*up)
	require.Nil(t, err)

	_, err = alice1.Handle(prop)
	require.Nil(t, err)

	pt, _, alice2, err := alice1.Commit(freshSecret(t, testSuite), nil)
	require.Nil(t, err)
	require.Empty(t, pt.Content.Commit.Commit.Proposals)

	bob2, err := bob1.Handle(pt)
	require.Nil(t, err)
	require.True(t, alice2.Equals(bob2))
}

func TestStateTamperedFrameKeepsMessageKey(t *testing.T) {
	kpA := newTestKeyPackage(t, testSuite, []byte("alice"))
	kpB := newTestKeyPackage(t, testSuite, []byte("bob"))

	alice0, err := NewEmptyState(testGroupID, kpA)
	require.Nil(t, err)

	add, err := alice0.AddProposal(publicOnly(t, kpB))
	require.Nil(t, err)
	_, welcome, alice1, err := alice0.Commit(freshSecret(t, testSuite), []Proposal{*add})
	require.Nil(t, err)

	bob1, err := NewJoinedState(kpB, *welcome)
	require.Nil(t, err)

	ct, err := alice1.Protect(testMessage)
	require.Nil(t, err)

	forged := *ct
	forged.Ciphertext = dup(ct.Ciphertext)
	forged.Ciphertext[0] ^= 0xFF
	_, err = bob1.Unprotect(&forged)
	require.True(t, errors.Is(err, ErrMalformedMessage))

	// The failed open must not burn the generation's key
	out, err := bob1.Unprotect(ct)
	require.Nil(t, err)
	require.Equal(t, testMessage, out)
}
