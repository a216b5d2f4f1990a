package mls

import (
	"bytes"
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type CredentialType uint8

const (
	CredentialTypeInvalid CredentialType = 255
	CredentialTypeBasic   CredentialType = 0
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

// struct {
//     opaque identity<0..2^16-1>;
//     SignatureScheme algorithm;
//     SignaturePublicKey public_key;
// } BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

// Credential is the signed identity attached to a non-blank leaf.  Only
// the basic variant is carried; chain-validation policy lives outside the
// engine.
type Credential struct {
	Basic *BasicCredential

	privateKey *SignaturePrivateKey
}

func NewBasicCredential(identity []byte, scheme SignatureScheme, priv *SignaturePrivateKey) *Credential {
	return &Credential{
		Basic: &BasicCredential{
			Identity:        identity,
			SignatureScheme: scheme,
			PublicKey:       priv.PublicKey,
		},
		privateKey: priv,
	}
}

// Equals compares the public aspects only.
func (c Credential) Equals(o Credential) bool {
	if c.Basic == nil || o.Basic == nil {
		return c.Basic == o.Basic
	}

	return bytes.Equal(c.Basic.Identity, o.Basic.Identity) &&
		c.Basic.SignatureScheme == o.Basic.SignatureScheme &&
		c.Basic.PublicKey.Equals(o.Basic.PublicKey)
}

func (c Credential) Type() CredentialType {
	if c.Basic != nil {
		return CredentialTypeBasic
	}
	return CredentialTypeInvalid
}

func (c Credential) Identity() []byte {
	if c.Basic == nil {
		panic(fmt.Errorf("mls.credential: malformed credential"))
	}
	return c.Basic.Identity
}

func (c Credential) Scheme() SignatureScheme {
	if c.Basic == nil {
		panic(fmt.Errorf("mls.credential: malformed credential"))
	}
	return c.Basic.SignatureScheme
}

func (c Credential) PublicKey() *SignaturePublicKey {
	if c.Basic == nil {
		panic(fmt.Errorf("mls.credential: malformed credential"))
	}
	return &c.Basic.PublicKey
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	credentialType := c.Type()
	if err := s.Write(credentialType); err != nil {
		return nil, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		if err := s.Write(c.Basic); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("mls.credential: credential type not allowed")
	}

	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credentialType CredentialType
	if _, err := s.Read(&credentialType); err != nil {
		return 0, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		if _, err := s.Read(c.Basic); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%w: credential type %d", ErrMalformedMessage, credentialType)
	}

	return s.Position(), nil
}
