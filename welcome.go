package mls

import (
	"bytes"
	"fmt"
)

///
/// GroupInfo
///

// GroupInfo is the snapshot of public group state that a Welcome carries
// to new members, signed by the committer.
type GroupInfo struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Confirmation            []byte `tls:"head=1"`
	SignerIndex             LeafIndex
	Signature               []byte `tls:"head=2"`
}

type groupInfoTBS struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	Tree                    RatchetTree
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	InterimTranscriptHash   []byte `tls:"head=1"`
	Confirmation            []byte `tls:"head=1"`
	SignerIndex             LeafIndex
}

func (gi GroupInfo) toBeSigned() ([]byte, error) {
	return encode(groupInfoTBS{
		GroupID:                 gi.GroupID,
		Epoch:                   gi.Epoch,
		Tree:                    gi.Tree,
		ConfirmedTranscriptHash: gi.ConfirmedTranscriptHash,
		InterimTranscriptHash:   gi.InterimTranscriptHash,
		Confirmation:            gi.Confirmation,
		SignerIndex:             gi.SignerIndex,
	})
}

func (gi *GroupInfo) sign(index LeafIndex, priv *SignaturePrivateKey) error {
	// The signer must be in the tree it is vouching for
	cred, err := gi.Tree.GetCredential(index)
	if err != nil {
		return err
	}

	if !cred.PublicKey().Equals(priv.PublicKey) {
		return fmt.Errorf("mls.group-info: sign with key not matching credential")
	}

	gi.SignerIndex = index
	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := cred.Scheme().Sign(priv, tbs)
	if err != nil {
		return err
	}

	gi.Signature = sig
	return nil
}

func (gi GroupInfo) verify() error {
	cred, err := gi.Tree.GetCredential(gi.SignerIndex)
	if err != nil {
		return err
	}

	tbs, err := gi.toBeSigned()
	if err != nil {
		return err
	}

	if !cred.Scheme().Verify(cred.PublicKey(), tbs, gi.Signature) {
		return fmt.Errorf("%w: group info signature", ErrSignatureVerificationFailed)
	}
	return nil
}

///
/// GroupSecrets
///

type pathSecret struct {
	Data []byte `tls:"head=1"`
}

// GroupSecrets is the encrypted payload of a Welcome: the joiner secret,
// plus the path secret of the ancestor shared with the committer when the
// member was added with a path update.
type GroupSecrets struct {
	JoinerSecret []byte      `tls:"head=1"`
	PathSecret   *pathSecret `tls:"optional"`
}

// EncryptedGroupSecrets ties an encrypted GroupSecrets to the key package
// it was encrypted for, by the key package's canonical digest.
type EncryptedGroupSecrets struct {
	KeyPackageHash        []byte `tls:"head=1"`
	EncryptedGroupSecrets HPKECiphertext
}

///
/// Welcome
///

type Welcome struct {
	Version            ProtocolVersion
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`

	joinerSecret []byte `tls:"omit"`
}

// newWelcome seals the group info under the welcome secret derived from
// the new epoch's joiner secret.
func newWelcome(cs CipherSuite, joinerSecret []byte, groupInfo *GroupInfo) (*Welcome, error) {
	pt, err := encode(groupInfo)
	if err != nil {
		return nil, err
	}

	welcomeSecret := cs.deriveSecret(joinerSecret, "welcome", []byte{})
	kn := welcomeKeyAndNonce(cs, welcomeSecret)

	aead, err := cs.newAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	return &Welcome{
		Version:            ProtocolVersionMLS10,
		CipherSuite:        cs,
		EncryptedGroupInfo: aead.Seal(nil, kn.Nonce, pt, []byte{}),
		joinerSecret:       dup(joinerSecret),
	}, nil
}

// EncryptTo adds a recipient, sealing the joiner secret to the key
// package's init key.  commitPathSecret may be nil when the commit
// carried no path update.
func (w *Welcome) EncryptTo(kp KeyPackage, commitPathSecret []byte) error {
	if kp.CipherSuite != w.CipherSuite {
		return fmt.Errorf("%w: key package suite does not match welcome", ErrMalformedMessage)
	}

	gs := GroupSecrets{JoinerSecret: w.joinerSecret}
	if commitPathSecret != nil {
		gs.PathSecret = &pathSecret{Data: dup(commitPathSecret)}
	}

	pt, err := encode(gs)
	if err != nil {
		return err
	}

	ct, err := w.CipherSuite.hpke().Encrypt(kp.InitKey, []byte{}, pt)
	if err != nil {
		return err
	}

	hash, err := kp.hashRef()
	if err != nil {
		return err
	}

	w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
		KeyPackageHash:        hash,
		EncryptedGroupSecrets: ct,
	})
	return nil
}

// decryptSecrets finds the entry addressed to the given key package and
// opens it with the package's HPKE private key.
func (w Welcome) decryptSecrets(kp KeyPackage) (*GroupSecrets, error) {
	if kp.privateKey == nil {
		return nil, fmt.Errorf("mls.welcome: key package has no private key")
	}

	hash, err := kp.hashRef()
	if err != nil {
		return nil, err
	}

	for _, egs := range w.Secrets {
		if !bytes.Equal(egs.KeyPackageHash, hash) {
			continue
		}

		pt, err := w.CipherSuite.hpke().Decrypt(*kp.privateKey, []byte{}, egs.EncryptedGroupSecrets)
		if err != nil {
			return nil, fmt.Errorf("%w: group secrets decryption failed", ErrMalformedMessage)
		}

		var gs GroupSecrets
		if err := decodeExact(pt, &gs); err != nil {
			return nil, err
		}
		return &gs, nil
	}

	return nil, fmt.Errorf("%w: welcome has no entry for this key package", ErrNoMatchingEntry)
}

// decryptGroupInfo opens the sealed group info with the welcome secret
// derived from the joiner secret.
func (w Welcome) decryptGroupInfo(joinerSecret []byte) (*GroupInfo, error) {
	welcomeSecret := w.CipherSuite.deriveSecret(joinerSecret, "welcome", []byte{})
	kn := welcomeKeyAndNonce(w.CipherSuite, welcomeSecret)

	aead, err := w.CipherSuite.newAEAD(kn.Key)
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, kn.Nonce, w.EncryptedGroupInfo, []byte{})
	if err != nil {
		return nil, fmt.Errorf("%w: group info decryption failed", ErrMalformedMessage)
	}

	gi := new(GroupInfo)
	if err := decodeExact(pt, gi); err != nil {
		return nil, err
	}

	gi.Tree.setSuite(w.CipherSuite)
	return gi, nil
}
