package mls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func testJoinerSecret(suite CipherSuite) []byte {
	return suite.Digest([]byte("joiner"))
}

func TestKeyScheduleDeterminism(t *testing.T) {
	context := unhex("0102030405")

	for _, suite := range allSuites {
		joiner := testJoinerSecret(suite)

		a := newKeyScheduleEpoch(suite, 4, joiner, context)
		b := newKeyScheduleEpoch(suite, 4, joiner, context)

		require.Equal(t, a.WelcomeSecret, b.WelcomeSecret)
		require.Equal(t, a.EpochSecret, b.EpochSecret)
		require.Equal(t, a.SenderDataKey, b.SenderDataKey)
		require.Equal(t, a.EncryptionSecret, b.EncryptionSecret)
		require.Equal(t, a.ConfirmationKey, b.ConfirmationKey)
		require.Equal(t, a.MembershipKey, b.MembershipKey)
		require.Equal(t, a.InitSecret, b.InitSecret)

		// Sub-secrets are separated by label
		require.NotEqual(t, a.EncryptionSecret, a.ExporterSecret)
		require.NotEqual(t, a.ConfirmationKey, a.MembershipKey)
	}
}

func TestKeyScheduleNext(t *testing.T) {
	context := unhex("0102030405")
	commitSecret := testSuite.Digest([]byte("commit"))

	a := newKeyScheduleEpoch(testSuite, 4, testJoinerSecret(testSuite), context)
	b := newKeyScheduleEpoch(testSuite, 4, testJoinerSecret(testSuite), context)

	nextA := a.Next(4, commitSecret, context)
	nextB := b.Next(4, commitSecret, context)
	require.Equal(t, nextA.EpochSecret, nextB.EpochSecret)
	require.NotEqual(t, a.EpochSecret, nextA.EpochSecret)

	// A different commit secret forks the schedule
	other := a.Next(4, testSuite.Digest([]byte("other")), context)
	require.NotEqual(t, nextA.EpochSecret, other.EpochSecret)
}

func TestKeyScheduleExport(t *testing.T) {
	context := unhex("0102030405")

	a := newKeyScheduleEpoch(testSuite, 4, testJoinerSecret(testSuite), context)
	b := newKeyScheduleEpoch(testSuite, 4, testJoinerSecret(testSuite), context)

	out1, err := a.Export("handshake auth", []byte("binder"), 32)
	require.Nil(t, err)
	require.Len(t, out1, 32)

	out2, err := b.Export("handshake auth", []byte("binder"), 32)
	require.Nil(t, err)
	require.Equal(t, out1, out2)

	other, err := a.Export("other label", []byte("binder"), 32)
	require.Nil(t, err)
	require.NotEqual(t, out1, other)

	_, err = a.Export("handshake auth", []byte("binder"), 0)
	require.True(t, errors.Is(err, ErrInvalidLength))

	_, err = a.Export("handshake auth", []byte("binder"), maxExportLength(testSuite)+1)
	require.True(t, errors.Is(err, ErrInvalidLength))
}

func TestHashRatchet(t *testing.T) {
	base := testSuite.Digest([]byte("base"))
	hr := newHashRatchet(testSuite, 0, dup(base))

	gen0, kn0 := hr.Next()
	gen1, kn1 := hr.Next()
	require.Equal(t, uint32(0), gen0)
	require.Equal(t, uint32(1), gen1)
	require.NotEqual(t, kn0.Key, kn1.Key)

	// Cached generations are retrievable until erased
	got, err := hr.Get(0)
	require.Nil(t, err)
	require.Equal(t, kn0.Key, got.Key)

	hr.Erase(0)
	_, err = hr.Get(0)
	require.Error(t, err)

	// Skipping forward derives intermediate generations
	got, err = hr.Get(5)
	require.Nil(t, err)
	require.Equal(t, uint32(6), hr.NextGeneration)
	require.NotEqual(t, kn1.Key, got.Key)
}

func TestGroupKeySource(t *testing.T) {
	context := unhex("0102030405")
	kse := newKeyScheduleEpoch(testSuite, 4, testJoinerSecret(testSuite), context)

	// Different senders get independent chains
	_, kn0, err := kse.Keys.Next(0)
	require.Nil(t, err)

	_, kn1, err := kse.Keys.Next(1)
	require.Nil(t, err)
	require.NotEqual(t, kn0.Key, kn1.Key)

	// Receivers derive the same key for a sender's generation
	other := newKeyScheduleEpoch(testSuite, 4, testJoinerSecret(testSuite), context)
	got, err := other.Keys.Get(0, 0)
	require.Nil(t, err)
	require.Equal(t, kn0.Key, got.Key)
	require.Equal(t, kn0.Nonce, got.Nonce)

	// Erased generations are gone for good
	other.Keys.Erase(0, 0)
	_, err = other.Keys.Get(0, 0)
	require.Error(t, err)
}

func TestKeyScheduleDiscard(t *testing.T) {
	context := unhex("0102030405")
	kse := newKeyScheduleEpoch(testSuite, 4, testJoinerSecret(testSuite), context)

	epochSecret := dup(kse.EpochSecret)
	kse.discard()
	require.NotEqual(t, epochSecret, kse.EpochSecret)
	require.Equal(t, make([]byte, len(epochSecret)), kse.EpochSecret)
}
