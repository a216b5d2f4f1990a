package mls

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func twoStates(b *testing.B) (*State, *State) {
	kpA, err := freshKeyPackage(testSuite, []byte("alice"))
	require.Nil(b, err)

	kpB, err := freshKeyPackage(testSuite, []byte("bob"))
	require.Nil(b, err)

	alice0, err := NewEmptyState(testGroupID, *kpA)
	require.Nil(b, err)

	add, err := alice0.AddProposal(*kpB)
	require.Nil(b, err)

	leafSecret := make([]byte, testSuite.newDigest().Size())
	_, err = rand.Read(leafSecret)
	require.Nil(b, err)

	_, welcome, alice1, err := alice0.Commit(leafSecret, []Proposal{*add})
	require.Nil(b, err)

	bob1, err := NewJoinedState(*kpB, *welcome)
	require.Nil(b, err)

	return alice1, bob1
}

func BenchmarkProtect(b *testing.B) {
	pt := make([]byte, 100)

	b.Run("protect", func(b *testing.B) {
		stateA, _ := twoStates(b)
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			rand.Read(pt)
			_, err := stateA.Protect(pt)
			require.Nil(b, err)
		}
	})

	b.Run("unprotect", func(b *testing.B) {
		var err error
		stateA, stateB := twoStates(b)
		cts := make([]*MLSCiphertext, b.N)
		for i := range cts {
			rand.Read(pt)
			cts[i], err = stateA.Protect(pt)
			require.Nil(b, err)
		}

		b.ResetTimer()

		for _, ct := range cts {
			_, err := stateB.Unprotect(ct)
			require.Nil(b, err)
		}
	})
}
