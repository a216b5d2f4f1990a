package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{
		Key:   dup(k.Key),
		Nonce: dup(k.Nonce),
	}
}

///
/// Hash ratchet
///

// hashRatchet walks a per-sender chain of message keys.  Each step
// overwrites the chaining secret, so generations already handed out
// cannot be re-derived once erased.
type hashRatchet struct {
	Suite          CipherSuite
	Node           nodeIndex
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce `tls:"head=4"`
	KeySize        uint32
	NonceSize      uint32
	SecretSize     uint32
}

func newHashRatchet(suite CipherSuite, node nodeIndex, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		Suite:          suite,
		Node:           node,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          map[uint32]keyAndNonce{},
		KeySize:        uint32(suite.Constants().KeySize),
		NonceSize:      uint32(suite.Constants().NonceSize),
		SecretSize:     uint32(suite.Constants().SecretSize),
	}
}

func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	key := hr.Suite.deriveAppSecret(hr.NextSecret, "app-key", hr.Node, hr.NextGeneration, int(hr.KeySize))
	nonce := hr.Suite.deriveAppSecret(hr.NextSecret, "app-nonce", hr.Node, hr.NextGeneration, int(hr.NonceSize))
	secret := hr.Suite.deriveAppSecret(hr.NextSecret, "app-secret", hr.Node, hr.NextGeneration, int(hr.SecretSize))

	generation := hr.NextGeneration

	hr.NextGeneration += 1
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	kn := keyAndNonce{key, nonce}
	hr.Cache[generation] = kn
	return generation, kn.clone()
}

func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.Cache[generation]; ok {
		return kn.clone(), nil
	}

	if hr.NextGeneration > generation {
		return keyAndNonce{}, fmt.Errorf("mls.key-schedule: request for expired key generation %d", generation)
	}

	for hr.NextGeneration < generation {
		hr.Next()
	}

	_, kn := hr.Next()
	return kn, nil
}

func (hr *hashRatchet) Erase(generation uint32) {
	if _, ok := hr.Cache[generation]; !ok {
		return
	}

	zeroize(hr.Cache[generation].Key)
	zeroize(hr.Cache[generation].Nonce)
	delete(hr.Cache, generation)
}

///
/// Tree base key source
///

type Bytes1 []byte

func (b Bytes1) MarshalTLS() ([]byte, error) {
	return syntax.Marshal(struct {
		Data []byte `tls:"head=1"`
	}{b})
}

func (b *Bytes1) UnmarshalTLS(data []byte) (int, error) {
	tmp := struct {
		Data []byte `tls:"head=1"`
	}{}
	read, err := syntax.Unmarshal(data, &tmp)
	if err != nil {
		return read, err
	}

	*b = dup(tmp.Data)
	return read, nil
}

// treeBaseKeySource fans the epoch's encryption secret down the tree, so
// that each sender's base secret can be derived once and the intermediate
// secrets destroyed.
type treeBaseKeySource struct {
	CipherSuite CipherSuite
	SecretSize  uint32
	Root        nodeIndex
	Size        leafCount
	Secrets     map[nodeIndex]Bytes1 `tls:"head=4"`
}

func newTreeBaseKeySource(suite CipherSuite, size leafCount, rootSecret []byte) *treeBaseKeySource {
	tbks := &treeBaseKeySource{
		CipherSuite: suite,
		SecretSize:  uint32(suite.Constants().SecretSize),
		Root:        root(size),
		Size:        size,
		Secrets:     map[nodeIndex]Bytes1{},
	}

	tbks.Secrets[tbks.Root] = rootSecret
	return tbks
}

func (tbks *treeBaseKeySource) Get(sender LeafIndex) ([]byte, error) {
	// Find a populated ancestor
	senderNode := toNodeIndex(sender)
	d := append([]nodeIndex{senderNode}, dirpath(senderNode, tbks.Size)...)
	found := false
	curr := 0
	for i, node := range d {
		if _, ok := tbks.Secrets[node]; ok {
			found = true
			curr = i
			break
		}
	}

	if !found {
		return nil, fmt.Errorf("mls.key-schedule: base key for leaf %d already consumed", sender)
	}

	// Derive down
	for ; curr > 0; curr -= 1 {
		node := d[curr]
		L := left(node)
		R := right(node, tbks.Size)

		secret := tbks.Secrets[node]
		tbks.Secrets[L] = tbks.CipherSuite.deriveAppSecret(secret, "tree", L, 0, int(tbks.SecretSize))
		tbks.Secrets[R] = tbks.CipherSuite.deriveAppSecret(secret, "tree", R, 0, int(tbks.SecretSize))
		zeroize(tbks.Secrets[node])
		delete(tbks.Secrets, node)
	}

	out := dup(tbks.Secrets[senderNode])
	zeroize(tbks.Secrets[senderNode])
	delete(tbks.Secrets, senderNode)
	return out, nil
}

///
/// Group key source
///

type groupKeySource struct {
	Suite    CipherSuite
	Base     *treeBaseKeySource
	Ratchets map[LeafIndex]*hashRatchet
}

func (gks groupKeySource) ratchet(sender LeafIndex) (*hashRatchet, error) {
	if r, ok := gks.Ratchets[sender]; ok {
		return r, nil
	}

	baseSecret, err := gks.Base.Get(sender)
	if err != nil {
		return nil, err
	}

	gks.Ratchets[sender] = newHashRatchet(gks.Suite, toNodeIndex(sender), baseSecret)
	return gks.Ratchets[sender], nil
}

func (gks groupKeySource) Next(sender LeafIndex) (uint32, keyAndNonce, error) {
	r, err := gks.ratchet(sender)
	if err != nil {
		return 0, keyAndNonce{}, err
	}

	generation, kn := r.Next()
	return generation, kn, nil
}

func (gks groupKeySource) Get(sender LeafIndex, generation uint32) (keyAndNonce, error) {
	r, err := gks.ratchet(sender)
	if err != nil {
		return keyAndNonce{}, err
	}
	return r.Get(generation)
}

func (gks groupKeySource) Erase(sender LeafIndex, generation uint32) {
	if r, ok := gks.Ratchets[sender]; ok {
		r.Erase(generation)
	}
}

///
/// Welcome keys
///

func welcomeKeyAndNonce(suite CipherSuite, welcomeSecret []byte) keyAndNonce {
	keySize := suite.Constants().KeySize
	nonceSize := suite.Constants().NonceSize

	return keyAndNonce{
		Key:   suite.hkdfExpandLabel(welcomeSecret, "key", []byte{}, keySize),
		Nonce: suite.hkdfExpandLabel(welcomeSecret, "nonce", []byte{}, nonceSize),
	}
}

///
/// Key schedule epoch
///

// Maximum output of a single exporter call, 255 hash blocks per HKDF.
func maxExportLength(suite CipherSuite) int {
	return 255 * suite.newDigest().Size()
}

type keyScheduleEpoch struct {
	Suite        CipherSuite
	GroupContext []byte `tls:"head=1"`

	JoinerSecret     []byte `tls:"head=1"`
	WelcomeSecret    []byte `tls:"head=1"`
	EpochSecret      []byte `tls:"head=1"`
	SenderDataSecret []byte `tls:"head=1"`
	SenderDataKey    []byte `tls:"head=1"`
	EncryptionSecret []byte `tls:"head=1"`
	ExporterSecret   []byte `tls:"head=1"`
	ConfirmationKey  []byte `tls:"head=1"`
	MembershipKey    []byte `tls:"head=1"`
	InitSecret       []byte `tls:"head=1"`

	BaseKeys *treeBaseKeySource
	Ratchets map[LeafIndex]*hashRatchet `tls:"head=4"`

	Keys *groupKeySource `tls:"omit"`
}

// newKeyScheduleEpoch derives a full epoch's secrets from a joiner
// secret.  Members arriving through a Welcome and members advancing
// through a Commit converge here.
func newKeyScheduleEpoch(suite CipherSuite, size leafCount, joinerSecret, context []byte) keyScheduleEpoch {
	welcomeSecret := suite.deriveSecret(joinerSecret, "welcome", []byte{})
	epochSecret := suite.deriveSecret(joinerSecret, "epoch", context)

	senderDataSecret := suite.deriveSecret(epochSecret, "sender data", context)
	encryptionSecret := suite.deriveSecret(epochSecret, "encryption", context)
	exporterSecret := suite.deriveSecret(epochSecret, "exporter", context)
	confirmationKey := suite.deriveSecret(epochSecret, "confirm", context)
	membershipKey := suite.deriveSecret(epochSecret, "membership", context)
	initSecret := suite.deriveSecret(epochSecret, "init", context)

	senderDataKey := suite.hkdfExpandLabel(senderDataSecret, "sd key", []byte{}, suite.Constants().KeySize)
	baseKeys := newTreeBaseKeySource(suite, size, encryptionSecret)

	kse := keyScheduleEpoch{
		Suite:        suite,
		GroupContext: dup(context),

		JoinerSecret:     joinerSecret,
		WelcomeSecret:    welcomeSecret,
		EpochSecret:      epochSecret,
		SenderDataSecret: senderDataSecret,
		SenderDataKey:    senderDataKey,
		EncryptionSecret: encryptionSecret,
		ExporterSecret:   exporterSecret,
		ConfirmationKey:  confirmationKey,
		MembershipKey:    membershipKey,
		InitSecret:       initSecret,

		BaseKeys: baseKeys,
		Ratchets: map[LeafIndex]*hashRatchet{},
	}

	kse.enableKeySources()
	return kse
}

// firstKeyScheduleEpoch starts a key schedule for a newly created group,
// seeded with fresh randomness in place of a prior epoch's init secret.
func firstKeyScheduleEpoch(suite CipherSuite, size leafCount, initialSecret, context []byte) keyScheduleEpoch {
	joinerSecret := suite.hkdfExtract(initialSecret, suite.zero())
	return newKeyScheduleEpoch(suite, size, joinerSecret, context)
}

// Wire up the key source as logic on top of data owned by the epoch
func (kse *keyScheduleEpoch) enableKeySources() {
	kse.Keys = &groupKeySource{kse.Suite, kse.BaseKeys, kse.Ratchets}
}

// Next advances the schedule past a commit.  The prior epoch's init
// secret salts the extraction so a compromise healed by the commit
// secret stays healed.
func (kse *keyScheduleEpoch) Next(size leafCount, commitSecret, context []byte) keyScheduleEpoch {
	commit := commitSecret
	if len(commit) == 0 {
		commit = kse.Suite.zero()
	}

	joinerSecret := kse.Suite.hkdfExtract(kse.InitSecret, commit)
	return newKeyScheduleEpoch(kse.Suite, size, joinerSecret, context)
}

// Export derives an application secret bound to this epoch.  keyLength
// must be positive and within a single HKDF expansion.
func (kse *keyScheduleEpoch) Export(label string, context []byte, keyLength int) ([]byte, error) {
	if keyLength <= 0 || keyLength > maxExportLength(kse.Suite) {
		return nil, fmt.Errorf("%w: exporter length %d out of range", ErrInvalidLength, keyLength)
	}

	exporterBase := kse.Suite.deriveSecret(kse.ExporterSecret, label, kse.GroupContext)
	hctx := kse.Suite.Digest(context)
	return kse.Suite.hkdfExpandLabel(exporterBase, "exporter", hctx, keyLength), nil
}

// discard destroys the epoch's secrets.  The struct must not be used
// afterwards.
func (kse *keyScheduleEpoch) discard() {
	zeroize(kse.JoinerSecret)
	zeroize(kse.WelcomeSecret)
	zeroize(kse.EpochSecret)
	zeroize(kse.SenderDataSecret)
	zeroize(kse.SenderDataKey)
	zeroize(kse.EncryptionSecret)
	zeroize(kse.ExporterSecret)
	zeroize(kse.ConfirmationKey)
	zeroize(kse.MembershipKey)
	zeroize(kse.InitSecret)

	if kse.BaseKeys != nil {
		for _, secret := range kse.BaseKeys.Secrets {
			zeroize(secret)
		}
	}
	for _, r := range kse.Ratchets {
		zeroize(r.NextSecret)
		for gen := range r.Cache {
			r.Erase(gen)
		}
	}
}
