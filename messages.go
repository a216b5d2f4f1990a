package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// Epoch is a group-state version.  It starts at 0 and increases by
// exactly one per accepted Commit; it never decreases.
type Epoch uint64

type Signature struct {
	Data []byte `tls:"head=2"`
}

///
/// GroupContext
///

type GroupContext struct {
	GroupID                 []byte `tls:"head=1"`
	Epoch                   Epoch
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
}

///
/// Proposals
///

type ProposalType uint8

const (
	ProposalTypeInvalid ProposalType = 0
	ProposalTypeAdd     ProposalType = 1
	ProposalTypeUpdate  ProposalType = 2
	ProposalTypeRemove  ProposalType = 3
)

func (pt ProposalType) ValidForTLS() error {
	return validateEnum(pt, ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeRemove)
}

type AddProposal struct {
	KeyPackage KeyPackage
}

type UpdateProposal struct {
	LeafKey HPKEPublicKey
}

type RemoveProposal struct {
	Removed LeafIndex
}

type Proposal struct {
	Add    *AddProposal
	Update *UpdateProposal
	Remove *RemoveProposal
}

func (p Proposal) Type() ProposalType {
	switch {
	case p.Add != nil:
		return ProposalTypeAdd
	case p.Update != nil:
		return ProposalTypeUpdate
	case p.Remove != nil:
		return ProposalTypeRemove
	}
	return ProposalTypeInvalid
}

func (p Proposal) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	proposalType := p.Type()
	if err := s.Write(proposalType); err != nil {
		return nil, err
	}

	var err error
	switch proposalType {
	case ProposalTypeAdd:
		err = s.Write(p.Add)
	case ProposalTypeUpdate:
		err = s.Write(p.Update)
	case ProposalTypeRemove:
		err = s.Write(p.Remove)
	default:
		err = fmt.Errorf("mls.proposal: invalid proposal type")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var proposalType ProposalType
	if _, err := s.Read(&proposalType); err != nil {
		return 0, err
	}

	var err error
	switch proposalType {
	case ProposalTypeAdd:
		p.Add = new(AddProposal)
		_, err = s.Read(p.Add)
	case ProposalTypeUpdate:
		p.Update = new(UpdateProposal)
		_, err = s.Read(p.Update)
	case ProposalTypeRemove:
		p.Remove = new(RemoveProposal)
		_, err = s.Read(p.Remove)
	default:
		err = fmt.Errorf("%w: proposal type %d", ErrMalformedMessage, proposalType)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

///
/// DirectPath
///

type DirectPathNode struct {
	PublicKey            HPKEPublicKey
	EncryptedPathSecrets []HPKECiphertext `tls:"head=4"`
}

// DirectPath carries the committer's fresh leaf key followed by the
// updated parent keys along its direct path, with the corresponding path
// secret encrypted to the resolution of each copath node.
type DirectPath struct {
	Nodes []DirectPathNode `tls:"head=2"`
}

func (dp *DirectPath) addNode(n DirectPathNode) {
	dp.Nodes = append(dp.Nodes, n)
}

///
/// Commit
///

// struct {
//   Proposal proposals<0..2^32-1>;
//   DirectPath path;
// } Commit;
//
// Proposals are carried inline, in application order.
type Commit struct {
	Proposals []Proposal `tls:"head=4"`
	Path      DirectPath
}

type CommitData struct {
	Commit       Commit
	Confirmation []byte `tls:"head=1"`
}

///
/// Message framing
///

type ContentType uint8

const (
	ContentTypeInvalid     ContentType = 0
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

func (ct ContentType) ValidForTLS() error {
	return validateEnum(ct, ContentTypeApplication, ContentTypeProposal, ContentTypeCommit)
}

type SenderType uint8

const (
	SenderTypeInvalid SenderType = 0
	SenderTypeMember  SenderType = 1
)

func (st SenderType) ValidForTLS() error {
	return validateEnum(st, SenderTypeMember)
}

type Sender struct {
	Type   SenderType
	Sender uint32
}

type ApplicationData struct {
	Data []byte `tls:"head=4"`
}

type MLSPlaintextContent struct {
	Application *ApplicationData
	Proposal    *Proposal
	Commit      *CommitData
}

func (c MLSPlaintextContent) Type() ContentType {
	switch {
	case c.Application != nil:
		return ContentTypeApplication
	case c.Proposal != nil:
		return ContentTypeProposal
	case c.Commit != nil:
		return ContentTypeCommit
	}
	return ContentTypeInvalid
}

func (c MLSPlaintextContent) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	contentType := c.Type()
	if err := s.Write(contentType); err != nil {
		return nil, err
	}

	var err error
	switch contentType {
	case ContentTypeApplication:
		err = s.Write(c.Application)
	case ContentTypeProposal:
		err = s.Write(c.Proposal)
	case ContentTypeCommit:
		err = s.Write(c.Commit)
	default:
		err = fmt.Errorf("mls.message: invalid content type")
	}

	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (c *MLSPlaintextContent) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var contentType ContentType
	if _, err := s.Read(&contentType); err != nil {
		return 0, err
	}

	var err error
	switch contentType {
	case ContentTypeApplication:
		c.Application = new(ApplicationData)
		_, err = s.Read(c.Application)
	case ContentTypeProposal:
		c.Proposal = new(Proposal)
		_, err = s.Read(c.Proposal)
	case ContentTypeCommit:
		c.Commit = new(CommitData)
		_, err = s.Read(c.Commit)
	default:
		err = fmt.Errorf("%w: content type %d", ErrMalformedMessage, contentType)
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

// MLSPlaintext is the public (signed but unencrypted) envelope.  Member
// authenticity comes from the sender's signature over the group context;
// group membership from the MAC under the epoch's membership key.
type MLSPlaintext struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
	Signature         Signature
	MembershipTag     []byte `tls:"head=1"`
}

type mlsPlaintextTBS struct {
	Context           GroupContext
	GroupID           []byte `tls:"head=1"`
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	Content           MLSPlaintextContent
}

func (pt MLSPlaintext) toBeSigned(ctx GroupContext) []byte {
	enc, err := syntax.Marshal(mlsPlaintextTBS{
		Context:           ctx,
		GroupID:           pt.GroupID,
		Epoch:             pt.Epoch,
		Sender:            pt.Sender,
		AuthenticatedData: pt.AuthenticatedData,
		Content:           pt.Content,
	})
	if err != nil {
		panic(fmt.Errorf("mls.message: TBS marshal failure %v", err))
	}
	return enc
}

func (pt *MLSPlaintext) sign(ctx GroupContext, priv SignaturePrivateKey, scheme SignatureScheme) error {
	tbs := pt.toBeSigned(ctx)
	sig, err := scheme.Sign(&priv, tbs)
	if err != nil {
		return err
	}

	pt.Signature = Signature{sig}
	return nil
}

func (pt *MLSPlaintext) verify(ctx GroupContext, pub *SignaturePublicKey, scheme SignatureScheme) bool {
	tbs := pt.toBeSigned(ctx)
	return scheme.Verify(pub, tbs, pt.Signature.Data)
}

// membershipTagInput covers the signed content, so the tag binds the
// signature as well.
func (pt MLSPlaintext) membershipTagInput(ctx GroupContext) []byte {
	s := NewWriteStream()
	if err := s.Append(pt.toBeSigned(ctx)); err != nil {
		panic(fmt.Errorf("mls.message: membership tag input failure %v", err))
	}
	if err := s.Write(pt.Signature); err != nil {
		panic(fmt.Errorf("mls.message: membership tag input failure %v", err))
	}
	return s.Data()
}

// commitContent is the transcript-hash input for a commit message.
func (pt MLSPlaintext) commitContent() []byte {
	enc, err := syntax.Marshal(struct {
		GroupID []byte `tls:"head=1"`
		Epoch   Epoch
		Sender  Sender
		Commit  Commit
	}{
		GroupID: pt.GroupID,
		Epoch:   pt.Epoch,
		Sender:  pt.Sender,
		Commit:  pt.Content.Commit.Commit,
	})
	if err != nil {
		panic(fmt.Errorf("mls.message: commit content marshal failure %v", err))
	}
	return enc
}

func (pt MLSPlaintext) commitAuthData() ([]byte, error) {
	return syntax.Marshal(struct {
		Confirmation []byte `tls:"head=1"`
		Signature    Signature
	}{
		Confirmation: pt.Content.Commit.Confirmation,
		Signature:    pt.Signature,
	})
}

// MLSCiphertext is the private (fully encrypted) envelope.  Sender
// identity and generation travel in the encrypted sender-data block; the
// AAD binds group, epoch, and content type.
type MLSCiphertext struct {
	GroupID             []byte `tls:"head=1"`
	Epoch               Epoch
	ContentType         ContentType
	AuthenticatedData   []byte `tls:"head=4"`
	SenderDataNonce     []byte `tls:"head=1"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext          []byte `tls:"head=4"`
}
