package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type ProtocolVersion uint8

const ProtocolVersionMLS10 ProtocolVersion = 0x01

func (pv ProtocolVersion) ValidForTLS() error {
	return validateEnum(pv, ProtocolVersionMLS10)
}

// struct {
//   ProtocolVersion version;
//   CipherSuite cipher_suite;
//   HPKEPublicKey init_key;
//   Credential credential;
//   Extension extensions<0..2^16-1>;
//   opaque signature<0..2^16-1>;
// } KeyPackage;
//
// A KeyPackage advertises a prospective member's public key material.  It
// is a single-use value object: the session rejects a second Add carrying
// the same credential or init key.
type KeyPackage struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
	Signature   Signature

	privateKey *HPKEPrivateKey `tls:"omit"`
}

type keyPackageTBS struct {
	Version     ProtocolVersion
	CipherSuite CipherSuite
	InitKey     HPKEPublicKey
	Credential  Credential
	Extensions  ExtensionList
}

func (kp KeyPackage) toBeSigned() ([]byte, error) {
	return syntax.Marshal(keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		InitKey:     kp.InitKey,
		Credential:  kp.Credential,
		Extensions:  kp.Extensions,
	})
}

func (kp *KeyPackage) Sign() error {
	priv := kp.Credential.privateKey
	if priv == nil {
		return fmt.Errorf("mls.key-package: no signing key for credential")
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return err
	}

	sig, err := kp.Credential.Scheme().Sign(priv, tbs)
	if err != nil {
		return err
	}

	kp.Signature = Signature{sig}
	return nil
}

func (kp KeyPackage) Verify() bool {
	if !kp.CipherSuite.supported() || kp.Version != ProtocolVersionMLS10 {
		return false
	}

	if kp.Credential.Scheme() != kp.CipherSuite.Scheme() {
		return false
	}

	tbs, err := kp.toBeSigned()
	if err != nil {
		return false
	}

	return kp.Credential.Scheme().Verify(kp.Credential.PublicKey(), tbs, kp.Signature.Data)
}

// hashRef is the identifier that ties a joiner to its GroupSecrets entry
// in a Welcome: the digest of the canonical encoding.
func (kp KeyPackage) hashRef() ([]byte, error) {
	enc, err := syntax.Marshal(kp)
	if err != nil {
		return nil, err
	}
	return kp.CipherSuite.Digest(enc), nil
}

// NewKeyPackage generates a fresh HPKE init key pair and signs the
// resulting KeyPackage.  It never mutates session state.
func NewKeyPackage(suite CipherSuite, cred *Credential) (*KeyPackage, error) {
	initPriv, err := suite.hpke().Generate()
	if err != nil {
		return nil, err
	}
	return NewKeyPackageWithInitKey(suite, initPriv, cred)
}

func NewKeyPackageWithInitKey(suite CipherSuite, initPriv HPKEPrivateKey, cred *Credential) (*KeyPackage, error) {
	kp := &KeyPackage{
		Version:     ProtocolVersionMLS10,
		CipherSuite: suite,
		InitKey:     initPriv.PublicKey,
		Credential:  *cred,
		privateKey:  &initPriv,
	}

	if err := kp.Extensions.Add(SupportedVersionsExtension{[]uint8{uint8(ProtocolVersionMLS10)}}); err != nil {
		return nil, err
	}

	if err := kp.Sign(); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp KeyPackage) clone() KeyPackage {
	out := kp
	out.Signature = Signature{dup(kp.Signature.Data)}
	return out
}
