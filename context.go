package mls

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Result is the structured outcome handed across the boundary.  On
// success Data holds the operation's serialized output; on failure
// ErrorMessage holds a diagnostic and Data is empty.
type Result struct {
	Success      bool
	ErrorMessage string
	Data         []byte
}

func resultOK(data []byte) Result {
	return Result{Success: true, Data: data}
}

// groupEntry serializes all operations on one group.  Epoch transitions
// and generation counters do not commute, so mutating and reading calls
// alike take the entry lock.
type groupEntry struct {
	mu      sync.Mutex
	session *GroupSession
}

// Context is one independent session registry: groups keyed by group id,
// plus the key packages issued from this context so that welcomes can be
// matched back to their private keys.
type Context struct {
	mu          sync.Mutex
	groups      map[string]*groupEntry
	keyPackages map[string][]KeyPackage
}

func newContext() *Context {
	return &Context{
		groups:      map[string]*groupEntry{},
		keyPackages: map[string][]KeyPackage{},
	}
}

func (c *Context) group(groupID []byte) (*groupEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.groups[string(groupID)]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownGroup, groupID)
	}
	return entry, nil
}

func (c *Context) addGroup(session *GroupSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := string(session.GroupID())
	if _, ok := c.groups[key]; ok {
		return fmt.Errorf("mls.context: group %x already present", session.GroupID())
	}

	c.groups[key] = &groupEntry{session: session}
	return nil
}

func (c *Context) dropGroup(groupID []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, string(groupID))
}

// ContextTable is the arena mapping integer handles to contexts.  Handle
// 0 is reserved as the failure value and is never issued.
type ContextTable struct {
	mu       sync.Mutex
	next     uint64
	contexts map[uint64]*Context

	errMu     sync.Mutex
	lastError string
}

func NewContextTable() *ContextTable {
	return &ContextTable{
		next:     1,
		contexts: map[uint64]*Context{},
	}
}

// CreateContext allocates a fresh session registry and returns its
// handle.
func (t *ContextTable) CreateContext() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle := t.next
	t.next++
	t.contexts[handle] = newContext()
	return handle
}

// FreeContext releases a handle.  The handle must not be used again.
func (t *ContextTable) FreeContext(handle uint64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.contexts[handle]; !ok {
		return t.fail(fmt.Errorf("%w: handle %d", ErrUnknownContext, handle))
	}

	delete(t.contexts, handle)
	return resultOK(nil)
}

// LastError returns the most recent failure's message, process-wide for
// this table, last-write-wins.
func (t *ContextTable) LastError() string {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.lastError
}

func (t *ContextTable) fail(err error) Result {
	t.errMu.Lock()
	t.lastError = err.Error()
	t.errMu.Unlock()

	return Result{Success: false, ErrorMessage: err.Error()}
}

func (t *ContextTable) context(handle uint64) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.contexts[handle]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", ErrUnknownContext, handle)
	}
	return ctx, nil
}

// withGroup runs op with the group's entry lock held.  A tree invariant
// violation is unrecoverable for that group; the session is torn down so
// it cannot be reused in a corrupt state.
func (t *ContextTable) withGroup(handle uint64, groupID []byte, op func(*GroupSession) ([]byte, error)) Result {
	ctx, err := t.context(handle)
	if err != nil {
		return t.fail(err)
	}

	entry, err := ctx.group(groupID)
	if err != nil {
		return t.fail(err)
	}

	entry.mu.Lock()
	data, err := op(entry.session)
	entry.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrTreeInvariantViolation) {
			ctx.dropGroup(groupID)
		}
		return t.fail(err)
	}
	return resultOK(data)
}

///
/// Boundary operations
///

func randomGroupID() ([]byte, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	return id, nil
}

// CreateGroup creates a single-member group under the given handle and
// returns the generated group id.
func (t *ContextTable) CreateGroup(handle uint64, suite CipherSuite, identity []byte) Result {
	ctx, err := t.context(handle)
	if err != nil {
		return t.fail(err)
	}

	kp, err := freshKeyPackage(suite, identity)
	if err != nil {
		return t.fail(err)
	}

	groupID, err := randomGroupID()
	if err != nil {
		return t.fail(err)
	}

	session, err := NewGroupSession(groupID, *kp)
	if err != nil {
		return t.fail(err)
	}

	if err := ctx.addGroup(session); err != nil {
		return t.fail(err)
	}
	return resultOK(groupID)
}

// CreateKeyPackage issues a fresh, signed key package for the identity
// and returns its serialization.  The private keys stay in the context so
// a later welcome can be matched back to them.
func (t *ContextTable) CreateKeyPackage(handle uint64, suite CipherSuite, identity []byte) Result {
	ctx, err := t.context(handle)
	if err != nil {
		return t.fail(err)
	}

	kp, err := freshKeyPackage(suite, identity)
	if err != nil {
		return t.fail(err)
	}

	data, err := encode(kp)
	if err != nil {
		return t.fail(err)
	}

	ctx.mu.Lock()
	ctx.keyPackages[string(identity)] = append(ctx.keyPackages[string(identity)], *kp)
	ctx.mu.Unlock()

	return resultOK(data)
}

func freshKeyPackage(suite CipherSuite, identity []byte) (*KeyPackage, error) {
	sigPriv, err := suite.Scheme().Generate()
	if err != nil {
		return nil, err
	}

	cred := NewBasicCredential(identity, suite.Scheme(), &sigPriv)
	return NewKeyPackage(suite, cred)
}

// AddMembers commits the addition of the given serialized key packages
// and returns the commit and welcome concatenated, with an 8-byte
// little-endian length prefix on the commit portion.
func (t *ContextTable) AddMembers(handle uint64, groupID []byte, kpBytes [][]byte) Result {
	kps := make([]KeyPackage, 0, len(kpBytes))
	for _, raw := range kpBytes {
		var kp KeyPackage
		if err := decodeExact(raw, &kp); err != nil {
			return t.fail(err)
		}
		kps = append(kps, kp)
	}

	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		commit, welcome, err := gs.AddMembers(kps)
		if err != nil {
			return nil, err
		}
		return frameCommitWelcome(commit, welcome), nil
	})
}

// frameCommitWelcome lays out len(commit) as 8 bytes little-endian,
// followed by the commit, followed by the welcome.
func frameCommitWelcome(commit, welcome []byte) []byte {
	out := make([]byte, 8, 8+len(commit)+len(welcome))
	binary.LittleEndian.PutUint64(out, uint64(len(commit)))
	out = append(out, commit...)
	out = append(out, welcome...)
	return out
}

// splitCommitWelcome undoes frameCommitWelcome.
func splitCommitWelcome(framed []byte) ([]byte, []byte, error) {
	if len(framed) < 8 {
		return nil, nil, fmt.Errorf("%w: framed output shorter than its length prefix", ErrMalformedMessage)
	}

	commitLen := binary.LittleEndian.Uint64(framed[:8])
	if commitLen > uint64(len(framed)-8) {
		return nil, nil, fmt.Errorf("%w: commit length %d exceeds frame", ErrMalformedMessage, commitLen)
	}

	commit := framed[8 : 8+commitLen]
	welcome := framed[8+commitLen:]
	return commit, welcome, nil
}

// ProposeAdd stages the addition of a serialized key package without
// committing it and returns the proposal message for the other members.
func (t *ContextTable) ProposeAdd(handle uint64, groupID []byte, kpBytes []byte) Result {
	var kp KeyPackage
	if err := decodeExact(kpBytes, &kp); err != nil {
		return t.fail(err)
	}

	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return gs.ProposeAdd(kp)
	})
}

// ProposeRemove stages the removal of a leaf without committing it.
func (t *ContextTable) ProposeRemove(handle uint64, groupID []byte, removed LeafIndex) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return gs.ProposeRemove(removed)
	})
}

// ProcessProposal stages a proposal message received from another
// member.
func (t *ContextTable) ProcessProposal(handle uint64, groupID []byte, proposalBytes []byte) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return nil, gs.ProcessProposal(proposalBytes)
	})
}

// CommitPendingProposals commits the staged proposals and returns the
// framed commit and welcome, like AddMembers.
func (t *ContextTable) CommitPendingProposals(handle uint64, groupID []byte) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		commit, welcome, err := gs.CommitPendingProposals()
		if err != nil {
			return nil, err
		}
		return frameCommitWelcome(commit, welcome), nil
	})
}

// RemoveMembers commits the removal of the given leaves.
func (t *ContextTable) RemoveMembers(handle uint64, groupID []byte, removed []LeafIndex) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return gs.RemoveMembers(removed)
	})
}

// Update commits a bare key rotation for the local member.
func (t *ContextTable) Update(handle uint64, groupID []byte) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return gs.Update()
	})
}

// ProcessCommit applies a commit received from another member.
func (t *ContextTable) ProcessCommit(handle uint64, groupID []byte, commitBytes []byte) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return nil, gs.ProcessCommit(commitBytes)
	})
}

// ProcessWelcome joins a group from a welcome addressed to one of the
// identity's key packages issued from this context, and returns the
// group id.
func (t *ContextTable) ProcessWelcome(handle uint64, identity, welcomeBytes []byte) Result {
	ctx, err := t.context(handle)
	if err != nil {
		return t.fail(err)
	}

	ctx.mu.Lock()
	kps := make([]KeyPackage, len(ctx.keyPackages[string(identity)]))
	copy(kps, ctx.keyPackages[string(identity)])
	ctx.mu.Unlock()

	var session *GroupSession
	joinErr := fmt.Errorf("%w: no key packages issued for identity", ErrNoMatchingEntry)
	for _, kp := range kps {
		session, joinErr = JoinGroupSession(kp, welcomeBytes)
		if joinErr == nil {
			break
		}
		if !errors.Is(joinErr, ErrNoMatchingEntry) {
			return t.fail(joinErr)
		}
	}
	if joinErr != nil {
		return t.fail(joinErr)
	}

	if err := ctx.addGroup(session); err != nil {
		return t.fail(err)
	}
	return resultOK(session.GroupID())
}

// EncryptMessage protects application data for the group.
func (t *ContextTable) EncryptMessage(handle uint64, groupID, plaintext []byte) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return gs.Encrypt(plaintext)
	})
}

// DecryptMessage opens an application message from the group's current
// epoch.
func (t *ContextTable) DecryptMessage(handle uint64, groupID, ciphertext []byte) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return gs.Decrypt(ciphertext)
	})
}

// ExportSecret derives an application secret from the group's current
// epoch.
func (t *ContextTable) ExportSecret(handle uint64, groupID []byte, label string, context []byte, length int) Result {
	return t.withGroup(handle, groupID, func(gs *GroupSession) ([]byte, error) {
		return gs.ExportSecret(label, context, length)
	})
}

// GetEpoch returns the group's current epoch, with 0 doubling as "no
// such group or context".  Epoch 0 groups are only ever observable by
// their creator before the first commit, so the ambiguity is confined to
// that window.
func (t *ContextTable) GetEpoch(handle uint64, groupID []byte) Epoch {
	ctx, err := t.context(handle)
	if err != nil {
		return 0
	}

	entry, err := ctx.group(groupID)
	if err != nil {
		return 0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Epoch()
}

// GroupExists reports whether the group id is present under the handle.
func (t *ContextTable) GroupExists(handle uint64, groupID []byte) bool {
	ctx, err := t.context(handle)
	if err != nil {
		return false
	}

	_, err = ctx.group(groupID)
	return err == nil
}
