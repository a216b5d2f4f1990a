package mls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"math/big"

	"github.com/cisco/go-hpke"
	"github.com/cisco/go-tls-syntax"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

///
/// CipherSuite
///

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
	X448_CHACHA20POLY1305_SHA512_Ed448     CipherSuite = 0x0006
)

func (cs CipherSuite) supported() bool {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519, P521_AES256GCM_SHA512_P521,
		X448_CHACHA20POLY1305_SHA512_Ed448:
		return true
	}
	return false
}

func (cs CipherSuite) ValidForTLS() error {
	return validateEnum(cs, X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519, P521_AES256GCM_SHA512_P521,
		X448_CHACHA20POLY1305_SHA512_Ed448)
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	case X448_CHACHA20POLY1305_SHA512_Ed448:
		return "X448_CHACHA20POLY1305_SHA512_Ed448"
	}
	return "UnknownCipherSuite"
}

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
}

func (cs CipherSuite) Constants() cipherConstants {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return cipherConstants{16, 12, 32, hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128}
	case P256_AES128GCM_SHA256_P256:
		return cipherConstants{16, 12, 32, hpke.DHKEM_P256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AESGCM128}
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return cipherConstants{32, 12, 32, hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_CHACHA20POLY1305}
	case P521_AES256GCM_SHA512_P521:
		return cipherConstants{32, 12, 64, hpke.DHKEM_P521, hpke.KDF_HKDF_SHA512, hpke.AEAD_AESGCM256}
	case X448_CHACHA20POLY1305_SHA512_Ed448:
		return cipherConstants{32, 12, 64, hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_CHACHA20POLY1305}
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) Scheme() SignatureScheme {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return Ed25519
	case P256_AES128GCM_SHA256_P256:
		return ECDSA_SECP256R1_SHA256
	case P521_AES256GCM_SHA512_P521:
		return ECDSA_SECP521R1_SHA512
	case X448_CHACHA20POLY1305_SHA512_Ed448:
		return Ed448
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) newHash() func() hash.Hash {
	switch cs.Constants().SecretSize {
	case 32:
		return sha256.New
	case 64:
		return sha512.New
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) newDigest() hash.Hash {
	return cs.newHash()()
}

func (cs CipherSuite) Digest(data []byte) []byte {
	d := cs.newDigest()
	d.Write(data)
	return d.Sum(nil)
}

func (cs CipherSuite) newHMAC(key []byte) hash.Hash {
	return hmac.New(cs.newHash(), key)
}

func (cs CipherSuite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519, P256_AES128GCM_SHA256_P256, P521_AES256GCM_SHA512_P521:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case X25519_CHACHA20POLY1305_SHA256_Ed25519, X448_CHACHA20POLY1305_SHA512_Ed448:
		return chacha20poly1305.New(key)
	}
	panic(fmt.Errorf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
}

func (cs CipherSuite) zero() []byte {
	return make([]byte, cs.Constants().SecretSize)
}

///
/// HKDF-based derivations
///

func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newHash(), ikm, salt)
}

func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(cs.newHash(), secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf expand failure %v", err))
	}
	return out
}

// struct {
//   uint16 length;
//   opaque label<7..255> = "mls10 " + Label;
//   opaque context<0..2^32-1>;
// } HKDFLabel;
type hkdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

// The label prefix is versioned and every derived output uses a distinct
// label string; secret separation depends on this.
func (cs CipherSuite) hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	info, err := syntax.Marshal(hkdfLabel{uint16(length), []byte("mls10 " + label), context})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: hkdf label marshal failure %v", err))
	}
	return cs.hkdfExpand(secret, info, length)
}

func (cs CipherSuite) deriveSecret(secret []byte, label string, context []byte) []byte {
	return cs.hkdfExpandLabel(secret, label, cs.Digest(context), cs.Constants().SecretSize)
}

type applicationContext struct {
	Node       nodeIndex
	Generation uint32
}

func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte {
	ctx, err := syntax.Marshal(applicationContext{node, generation})
	if err != nil {
		panic(fmt.Errorf("mls.crypto: app context marshal failure %v", err))
	}
	return cs.hkdfExpandLabel(secret, label, ctx, length)
}

///
/// HPKE
///

// opaque HPKEPublicKey<1..2^16-1>;
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

// struct {
//   opaque kem_output<0..2^16-1>;
//   opaque ciphertext<0..2^32-1>;
// } HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

type hpkeInstance struct {
	BaseSuite CipherSuite
	Suite     hpke.CipherSuite
}

func (cs CipherSuite) hpke() hpkeInstance {
	cc := cs.Constants()
	suite, err := hpke.AssembleCipherSuite(cc.HPKEKEM, cc.HPKEKDF, cc.HPKEAEAD)
	if err != nil {
		panic(fmt.Errorf("mls.crypto: hpke suite assembly failure %v", err))
	}
	return hpkeInstance{cs, suite}
}

func (h hpkeInstance) Generate() (HPKEPrivateKey, error) {
	ikm := make([]byte, h.Suite.KEM.PrivateKeySize())
	if _, err := rand.Read(ikm); err != nil {
		return HPKEPrivateKey{}, err
	}

	priv, pub, err := h.Suite.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	return HPKEPrivateKey{
		Data:      h.Suite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.Suite.KEM.SerializePublicKey(pub)},
	}, nil
}

func (h hpkeInstance) Derive(seed []byte) (HPKEPrivateKey, error) {
	digest := h.BaseSuite.Digest(seed)
	priv, pub, err := h.Suite.KEM.DeriveKeyPair(digest)
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	return HPKEPrivateKey{
		Data:      h.Suite.KEM.SerializePrivateKey(priv),
		PublicKey: HPKEPublicKey{h.Suite.KEM.SerializePublicKey(pub)},
	}, nil
}

func (h hpkeInstance) Encrypt(pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	pkR, err := h.Suite.KEM.DeserializePublicKey(pub.Data)
	if err != nil {
		return HPKECiphertext{}, err
	}

	enc, ctx, err := hpke.SetupBaseS(h.Suite, rand.Reader, pkR, nil)
	if err != nil {
		return HPKECiphertext{}, err
	}

	ct := ctx.Seal(aad, pt)
	return HPKECiphertext{enc, ct}, nil
}

func (h hpkeInstance) Decrypt(priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	skR, err := h.Suite.KEM.DeserializePrivateKey(priv.Data)
	if err != nil {
		return nil, err
	}

	ctx, err := hpke.SetupBaseR(h.Suite, skR, ct.KEMOutput, nil)
	if err != nil {
		return nil, err
	}

	return ctx.Open(aad, ct.Ciphertext)
}

///
/// Signing
///

// opaque SignaturePublicKey<1..2^16-1>;
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return bytes.Equal(k.Data, o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey SignaturePublicKey
}

type SignatureScheme uint16

const (
	ECDSA_SECP256R1_SHA256 SignatureScheme = 0x0403
	ECDSA_SECP521R1_SHA512 SignatureScheme = 0x0603
	Ed25519                SignatureScheme = 0x0807
	Ed448                  SignatureScheme = 0x0808
)

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512, Ed25519, Ed448)
}

func (ss SignatureScheme) String() string {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return "ECDSA_SECP256R1_SHA256"
	case ECDSA_SECP521R1_SHA512:
		return "ECDSA_SECP521R1_SHA512"
	case Ed25519:
		return "Ed25519"
	case Ed448:
		return "Ed448"
	}
	return "UnknownSignatureScheme"
}

func (ss SignatureScheme) curve() elliptic.Curve {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		return elliptic.P256()
	case ECDSA_SECP521R1_SHA512:
		return elliptic.P521()
	}
	panic(fmt.Errorf("mls.crypto: not an ECDSA scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) digest(message []byte) []byte {
	switch ss {
	case ECDSA_SECP256R1_SHA256:
		d := sha256.Sum256(message)
		return d[:]
	case ECDSA_SECP521R1_SHA512:
		d := sha512.Sum512(message)
		return d[:]
	}
	panic(fmt.Errorf("mls.crypto: not an ECDSA scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		priv, err := ecdsa.GenerateKey(ss.curve(), rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}

		pub := elliptic.Marshal(priv.Curve, priv.PublicKey.X, priv.PublicKey.Y)
		return SignaturePrivateKey{
			Data:      priv.D.Bytes(),
			PublicKey: SignaturePublicKey{pub},
		}, nil

	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}

		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil

	case Ed448:
		pub, priv, err := ed448.GenerateKey(rand.Reader)
		if err != nil {
			return SignaturePrivateKey{}, err
		}

		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil
	}

	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Derive(preSeed []byte) (SignaturePrivateKey, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		d := new(big.Int).SetBytes(ss.digest(preSeed))
		d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1)))
		d.Add(d, big.NewInt(1))

		x, y := curve.ScalarBaseMult(d.Bytes())
		pub := elliptic.Marshal(curve, x, y)
		return SignaturePrivateKey{
			Data:      d.Bytes(),
			PublicKey: SignaturePublicKey{pub},
		}, nil

	case Ed25519:
		seed := sha256.Sum256(preSeed)
		priv := ed25519.NewKeyFromSeed(seed[:])
		pub := priv.Public().(ed25519.PublicKey)
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil

	case Ed448:
		digest := sha512.Sum512(preSeed)
		priv := ed448.NewKeyFromSeed(digest[:ed448.SeedSize])
		pub := priv.Public().(ed448.PublicKey)
		return SignaturePrivateKey{
			Data:      priv,
			PublicKey: SignaturePublicKey{pub},
		}, nil
	}

	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		ecPriv := &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve},
			D:         new(big.Int).SetBytes(priv.Data),
		}
		ecPriv.PublicKey.X, ecPriv.PublicKey.Y = curve.ScalarBaseMult(priv.Data)
		return ecdsa.SignASN1(rand.Reader, ecPriv, ss.digest(message))

	case Ed25519:
		return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil

	case Ed448:
		return ed448.Sign(ed448.PrivateKey(priv.Data), message, ""), nil
	}

	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	switch ss {
	case ECDSA_SECP256R1_SHA256, ECDSA_SECP521R1_SHA512:
		curve := ss.curve()
		x, y := elliptic.Unmarshal(curve, pub.Data)
		if x == nil {
			return false
		}

		ecPub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		return ecdsa.VerifyASN1(ecPub, ss.digest(message), signature)

	case Ed25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)

	case Ed448:
		if len(pub.Data) != ed448.PublicKeySize {
			return false
		}
		return ed448.Verify(ed448.PublicKey(pub.Data), message, signature, "")
	}

	panic(fmt.Errorf("mls.crypto: unsupported signature scheme %04x", uint16(ss)))
}
