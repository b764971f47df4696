package node

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

// Consensus is the section agreement collaborator. Agreement is surfaced
// as HandleAgreement commands so every state change goes through the loop.
type Consensus interface {
	// Propose submits a proposal signed with our key share.
	Propose(p messaging.Proposal) ([]Command, error)
	// HandlePropose records a proposal share from another elder.
	HandlePropose(sender types.Peer, msg messaging.Propose) ([]Command, error)
	// HandleDkg processes key generation traffic.
	HandleDkg(sender types.Peer, payload messaging.Payload) ([]Command, error)
	// SignShare signs msg with our share of the current section key.
	SignShare(msg []byte) (crypto.PublicKeySet, crypto.SignatureShare, error)
	// AddKeyShare installs our share of a section key.
	AddKeyShare(set crypto.PublicKeySet, share *crypto.SecretKeyShare)
}

// ProposalBytes returns the bytes a section signs to agree on p. Membership
// proposals sign the node state and elder proposals sign the authority, so
// the agreed signature doubles as the SectionSigned signature.
func ProposalBytes(p messaging.Proposal) ([]byte, error) {
	switch p.Kind {
	case messaging.ProposeOnline, messaging.ProposeOffline:
		if p.NodeState == nil {
			return nil, fmt.Errorf("%w: membership proposal without node state", ErrInvalidMessage)
		}
		return types.CanonicalBytes(*p.NodeState)
	case messaging.ProposeNewElders:
		if p.Authority == nil {
			return nil, fmt.Errorf("%w: elder proposal without authority", ErrInvalidMessage)
		}
		return types.CanonicalBytes(*p.Authority)
	default:
		return nil, fmt.Errorf("%w: unknown proposal kind %d", ErrInvalidMessage, p.Kind)
	}
}

type keyShare struct {
	set   crypto.PublicKeySet
	share *crypto.SecretKeyShare
}

// maxTallies bounds the proposals remembered for deduplication.
const maxTallies = 256

type tally struct {
	proposal messaging.Proposal
	shares   []crypto.SignatureShare
	done     bool
}

// LocalConsensus agrees by collecting signature shares from the elders of
// the current key set. It does not run key generation, so the elder set
// only changes through authorities signed by an existing key.
type LocalConsensus struct {
	mu      sync.Mutex
	network *knowledge.NetworkKnowledge
	shares  map[crypto.PublicKey]keyShare
	tallies *lru.Cache[[32]byte, *tally]
	logger  *zap.Logger
}

// NewLocalConsensus creates a consensus collaborator over network.
func NewLocalConsensus(network *knowledge.NetworkKnowledge, logger *zap.Logger) *LocalConsensus {
	if logger == nil {
		logger = zap.NewNop()
	}
	tallies, _ := lru.New[[32]byte, *tally](maxTallies)
	return &LocalConsensus{
		network: network,
		shares:  make(map[crypto.PublicKey]keyShare),
		tallies: tallies,
		logger:  logger,
	}
}

func (c *LocalConsensus) AddKeyShare(set crypto.PublicKeySet, share *crypto.SecretKeyShare) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shares[set.PublicKey] = keyShare{set: set, share: share}
}

func (c *LocalConsensus) current() (keyShare, error) {
	key := c.network.SectionKey()
	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.shares[key]
	if !ok {
		return keyShare{}, fmt.Errorf("no key share for section key %s: %w", key, ErrNotElder)
	}
	return ks, nil
}

func (c *LocalConsensus) SignShare(msg []byte) (crypto.PublicKeySet, crypto.SignatureShare, error) {
	ks, err := c.current()
	if err != nil {
		return crypto.PublicKeySet{}, crypto.SignatureShare{}, err
	}
	return ks.set, ks.share.SignShare(msg), nil
}

func (c *LocalConsensus) Propose(p messaging.Proposal) ([]Command, error) {
	ks, err := c.current()
	if err != nil {
		return nil, err
	}
	msg, err := ProposalBytes(p)
	if err != nil {
		return nil, err
	}
	share := ks.share.SignShare(msg)
	cmds, err := c.vote(ks.set, p, msg, share)
	if err != nil {
		return nil, err
	}

	var others []types.Peer
	us := c.network.OurName()
	for _, e := range c.network.Authority().Elders {
		if e.Name != us {
			others = append(others, e)
		}
	}
	if len(others) > 0 {
		cmds = append(cmds, SendOutgoing{
			MsgID:      types.NewMsgID(),
			Recipients: others,
			Payload:    messaging.Propose{Proposal: p, Share: share},
			Kind:       messaging.KindNode,
		})
	}
	return cmds, nil
}

func (c *LocalConsensus) HandlePropose(sender types.Peer, msg messaging.Propose) ([]Command, error) {
	if !c.network.Authority().IsElder(sender.Name) {
		return nil, fmt.Errorf("proposal from %s: %w", sender, ErrAccessDenied)
	}
	ks, err := c.current()
	if err != nil {
		return nil, err
	}
	b, err := ProposalBytes(msg.Proposal)
	if err != nil {
		return nil, err
	}
	if !ks.set.VerifyShare(b, msg.Share) {
		return nil, fmt.Errorf("proposal share %d from %s: %w", msg.Share.Index, sender, crypto.ErrInvalidShare)
	}
	return c.vote(ks.set, msg.Proposal, b, msg.Share)
}

func (c *LocalConsensus) vote(set crypto.PublicKeySet, p messaging.Proposal, msg []byte, share crypto.SignatureShare) ([]Command, error) {
	id := crypto.Digest(set.PublicKey[:], msg)

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tallies.Get(id)
	if !ok {
		t = &tally{proposal: p}
		c.tallies.Add(id, t)
	}
	if t.done {
		return nil, nil
	}
	t.shares = append(t.shares, share)
	sig, err := crypto.CombineShares(set, msg, t.shares)
	if err != nil {
		c.logger.Debug("Proposal awaiting more shares",
			zap.Int("shares", len(t.shares)),
			zap.Int("threshold", set.Threshold))
		return nil, nil
	}
	t.done = true
	t.shares = nil
	return []Command{HandleAgreement{
		Proposal: p,
		Sig:      crypto.KeyedSig{PublicKey: set.PublicKey, Signature: sig},
	}}, nil
}

func (c *LocalConsensus) HandleDkg(sender types.Peer, payload messaging.Payload) ([]Command, error) {
	c.logger.Debug("Ignoring key generation message",
		zap.Stringer("sender", sender),
		zap.Stringer("type", payload.MsgType()))
	return nil, nil
}
