package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/messaging"
	"sectiond/pkg/types"
)

const (
	// DefaultJoinRetryInterval is the pause between join rounds that made no progress.
	DefaultJoinRetryInterval = 500 * time.Millisecond
	// DefaultExchangeTimeout bounds one request/response with a contact.
	DefaultExchangeTimeout = 10 * time.Second

	maxRoundsPerAttempt = 8
)

// Exchanger sends a request to an address and returns the reply.
type Exchanger interface {
	Exchange(ctx context.Context, addr string, bytes []byte) (*messaging.WireMsg, error)
}

// JoinerConfig tunes the bootstrap of a non-genesis node.
type JoinerConfig struct {
	Contacts         []string
	GenesisKey       crypto.PublicKey
	Age              uint8
	Timeout          time.Duration
	RetryInterval    time.Duration
	ExchangeTimeout  time.Duration
	ArchiveRetention int
}

// Joiner runs the client side of the join protocol until the section
// approves us.
type Joiner struct {
	cfg       JoinerConfig
	us        types.Peer
	transport Exchanger
	logger    *zap.Logger

	mu         sync.Mutex
	dag        *knowledge.SectionsDAG
	sectionKey crypto.PublicKey
	age        uint8
	targets    []string
	proof      *messaging.ResourceProofSolution
	shares     map[crypto.PublicKey][]crypto.SignatureShare
	aggregated *knowledge.SignedNodeState
	approval   *messaging.JoinApproval
}

// NewJoiner creates a joiner for us, which must carry our listening address.
func NewJoiner(cfg JoinerConfig, us types.Peer, transport Exchanger, logger *zap.Logger) *Joiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultJoinRetryInterval
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.Age == 0 {
		cfg.Age = FirstSectionMaxAge
	}
	return &Joiner{
		cfg:        cfg,
		us:         us,
		transport:  transport,
		logger:     logger.With(zap.Stringer("joiner", us)),
		dag:        knowledge.NewSectionsDAG(cfg.GenesisKey),
		sectionKey: cfg.GenesisKey,
		age:        cfg.Age,
		targets:    append([]string(nil), cfg.Contacts...),
		shares:     make(map[crypto.PublicKey][]crypto.SignatureShare),
	}
}

// Join bootstraps into the network and returns the knowledge carried by
// the approval. It gives up with ErrJoinTimeout once the configured
// timeout passes and with ErrJoinRejected on a final rejection.
func (j *Joiner) Join(ctx context.Context) (*knowledge.NetworkKnowledge, error) {
	if len(j.targets) == 0 {
		return nil, errors.New("no contacts to join through")
	}
	if j.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.Timeout)
		defer cancel()
	}
	backoff := retry.NewConstant(j.cfg.RetryInterval)

	j.logger.Info("Joining network", zap.Strings("contacts", j.targets))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		for round := 0; round < maxRoundsPerAttempt; round++ {
			progressed, err := j.round(ctx)
			if err != nil {
				return err
			}
			if j.approved() {
				return nil
			}
			if !progressed {
				break
			}
		}
		return retry.RetryableError(errors.New("join not yet approved"))
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !j.approved() {
			return nil, fmt.Errorf("%w after %s", ErrJoinTimeout, j.cfg.Timeout)
		}
		return nil, err
	}
	return j.knowledge()
}

func (j *Joiner) approved() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.approval != nil
}

// round sends the current request to every target and applies the replies.
func (j *Joiner) round(ctx context.Context) (bool, error) {
	req, targets, err := j.request()
	if err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	replies := make([]*messaging.WireMsg, len(targets))
	for i, addr := range targets {
		g.Go(func() error {
			xctx, cancel := context.WithTimeout(gctx, j.cfg.ExchangeTimeout)
			defer cancel()
			resp, err := j.transport.Exchange(xctx, addr, req)
			if err != nil {
				j.logger.Debug("Join exchange failed", zap.String("contact", addr), zap.Error(err))
				return nil
			}
			replies[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	progressed := false
	for i, resp := range replies {
		if resp == nil {
			continue
		}
		ok, err := j.apply(targets[i], resp)
		if err != nil {
			return false, err
		}
		progressed = progressed || ok
	}
	return progressed, nil
}

func (j *Joiner) request() ([]byte, []string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	req := messaging.JoinRequest{
		SectionKey:    j.sectionKey,
		Age:           j.age,
		Addr:          j.us.Addr,
		ResourceProof: j.proof,
		Aggregated:    j.aggregated,
	}
	msg, err := messaging.NewWireMsg(messaging.KindNode, j.us.Name,
		messaging.Dst{Name: j.us.Name, SectionKey: j.sectionKey}, req)
	if err != nil {
		return nil, nil, err
	}
	b, err := msg.Serialize()
	if err != nil {
		return nil, nil, err
	}
	return b, append([]string(nil), j.targets...), nil
}

// apply processes one reply and reports whether it moved the join forward.
func (j *Joiner) apply(from string, msg *messaging.WireMsg) (bool, error) {
	payload, err := msg.Decode()
	if err != nil {
		j.logger.Debug("Dropping undecodable join reply", zap.String("contact", from), zap.Error(err))
		return false, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	switch p := payload.(type) {
	case messaging.JoinRetry:
		if err := j.dag.Extend(p.ProofChain); err != nil {
			j.logger.Debug("Ignoring retry with unverifiable chain", zap.Error(err))
			return false, nil
		}
		if !j.dag.HasKey(p.Authority.SignedBy()) || !p.Authority.Verify() {
			j.logger.Debug("Ignoring retry with untrusted authority")
			return false, nil
		}
		sap := p.Authority.Value
		changed := j.sectionKey != sap.SectionKey() || j.age != p.ExpectedAge
		j.sectionKey = sap.SectionKey()
		j.age = p.ExpectedAge
		j.targets = elderAddrs(sap)
		j.proof = nil
		j.logger.Info("Join retry requested",
			zap.Stringer("section_key", j.sectionKey),
			zap.Uint8("age", j.age))
		return changed, nil

	case messaging.JoinRedirect:
		if !p.Authority.Verify() {
			return false, nil
		}
		sap := p.Authority.Value
		if !sap.Prefix.Matches(j.us.Name) {
			j.logger.Debug("Ignoring redirect to a section that does not match us",
				zap.Stringer("prefix", sap.Prefix))
			return false, nil
		}
		j.sectionKey = sap.SectionKey()
		j.targets = elderAddrs(sap)
		j.proof = nil
		j.logger.Info("Join redirected", zap.Stringer("prefix", sap.Prefix), zap.Strings("elders", j.targets))
		return true, nil

	case messaging.ResourceChallenge:
		sol := SolveChallenge(j.us.Name, p)
		j.proof = &sol
		j.logger.Debug("Solved resource proof", zap.Uint8("difficulty", p.Difficulty))
		return true, nil

	case messaging.JoinApprovalShare:
		return j.addShare(p), nil

	case messaging.JoinApproval:
		if p.Decision.Value.Name() != j.us.Name {
			return false, nil
		}
		approval := p
		j.approval = &approval
		j.logger.Info("Join approved",
			zap.Stringer("prefix", p.Authority.Value.Prefix),
			zap.Uint8("age", p.Decision.Value.Age))
		return true, nil

	case messaging.JoinRejected:
		if p.Reason == messaging.NodeNotReachable {
			j.logger.Warn("Contact could not reach us", zap.String("contact", from), zap.String("addr", p.Addr))
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrJoinRejected, p.Reason)

	default:
		j.logger.Debug("Ignoring unexpected join reply", zap.Stringer("type", msg.Header.Type))
		return false, nil
	}
}

func (j *Joiner) addShare(p messaging.JoinApprovalShare) bool {
	if p.State.Name() != j.us.Name {
		return false
	}
	msg, err := types.CanonicalBytes(p.State)
	if err != nil || !p.KeySet.VerifyShare(msg, p.Share) {
		j.logger.Debug("Dropping invalid approval share", zap.Int("index", p.Share.Index))
		return false
	}
	key := p.KeySet.PublicKey
	j.shares[key] = append(j.shares[key], p.Share)
	sig, err := crypto.CombineShares(p.KeySet, msg, j.shares[key])
	if err != nil {
		return true
	}
	j.aggregated = &knowledge.SignedNodeState{
		Value: p.State,
		Sig:   crypto.KeyedSig{PublicKey: key, Signature: sig},
	}
	j.proof = nil
	j.logger.Debug("Aggregated approval shares", zap.Int("shares", len(j.shares[key])))
	return true
}

// knowledge builds our network knowledge from the approval.
func (j *Joiner) knowledge() (*knowledge.NetworkKnowledge, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	a := j.approval
	if err := j.dag.Extend(a.ProofChain); err != nil {
		return nil, fmt.Errorf("approval chain: %w", err)
	}
	k, err := knowledge.NewNetworkKnowledge(j.us.Name, j.dag, a.Authority, j.cfg.ArchiveRetention)
	if err != nil {
		return nil, fmt.Errorf("failed to build knowledge from approval: %w", err)
	}
	if _, err := k.UpdateMember(a.Decision); err != nil {
		return nil, fmt.Errorf("approval decision: %w", err)
	}
	for _, m := range a.Members {
		if _, err := k.UpdateMember(m); err != nil {
			j.logger.Debug("Skipped member from approval", zap.Stringer("member", m.Value), zap.Error(err))
		}
	}
	if _, err := k.MergeSections(a.Sections, nil); err != nil {
		j.logger.Debug("Skipped sections from approval", zap.Error(err))
	}
	return k, nil
}

func elderAddrs(sap knowledge.SectionAuthority) []string {
	out := make([]string, 0, len(sap.Elders))
	for _, e := range sap.Elders {
		out = append(out, e.Addr)
	}
	return out
}
