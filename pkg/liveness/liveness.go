package liveness

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"sectiond/pkg/types"
)

const (
	// DefaultNeighbourCount is the number of closest members each peer is compared against.
	DefaultNeighbourCount = 2
	// DefaultMinPendingOps is the pending count below which a peer is never flagged.
	DefaultMinPendingOps = 10
	// DefaultPendingOpTolerance is the ratio by which a peer must exceed its worst neighbour.
	DefaultPendingOpTolerance = 0.1
)

// Config tunes the unresponsiveness rule.
type Config struct {
	NeighbourCount     int
	MinPendingOps      int
	PendingOpTolerance float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		NeighbourCount:     DefaultNeighbourCount,
		MinPendingOps:      DefaultMinPendingOps,
		PendingOpTolerance: DefaultPendingOpTolerance,
	}
}

// Unresponsive is a flagged peer and its pending operation count.
type Unresponsive struct {
	Name    types.Name
	Pending int
}

// Tracker records operations sent to peers that have not yet been answered
// and flags peers that fall far behind their closest neighbours.
type Tracker struct {
	mu          sync.RWMutex
	cfg         Config
	logger      *zap.Logger
	unfulfilled map[types.Name][]types.OperationID
	neighbours  map[types.Name][]types.Name
}

// NewTracker creates a tracker for the given adults.
func NewTracker(cfg Config, adults []types.Name, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NeighbourCount <= 0 {
		cfg.NeighbourCount = DefaultNeighbourCount
	}
	t := &Tracker{
		cfg:         cfg,
		logger:      logger,
		unfulfilled: make(map[types.Name][]types.OperationID),
		neighbours:  make(map[types.Name][]types.Name),
	}
	for _, a := range adults {
		t.neighbours[a] = nil
	}
	t.recomputeLocked()
	return t
}

// AddPending records that op was sent to peer. Duplicates are allowed.
func (t *Tracker) AddPending(peer types.Name, op types.OperationID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unfulfilled[peer] = append(t.unfulfilled[peer], op)
	t.logger.Debug("Added pending operation",
		zap.Stringer("peer", peer),
		zap.Stringer("op", op))
}

// Fulfill removes the first occurrence of op for peer and reports whether
// anything was removed.
func (t *Tracker) Fulfill(peer types.Name, op types.OperationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := t.unfulfilled[peer]
	for i, o := range ops {
		if o == op {
			t.unfulfilled[peer] = append(ops[:i:i], ops[i+1:]...)
			return true
		}
	}
	t.logger.Debug("No pending operation to fulfill",
		zap.Stringer("peer", peer),
		zap.Stringer("op", op))
	return false
}

// Penalise charges peer with one operation that can never be fulfilled.
func (t *Tracker) Penalise(peer types.Name) {
	t.AddPending(peer, types.RandomOperationID())
}

// Pending returns the number of outstanding operations for peer.
func (t *Tracker) Pending(peer types.Name) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.unfulfilled[peer])
}

// AddAdult starts tracking neighbours for name and recomputes every peer's
// neighbours, since the new adult may be closer to existing peers.
func (t *Tracker) AddAdult(name types.Name) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.neighbours[name]; ok {
		t.logger.Debug("Replacing liveness entry for adult", zap.Stringer("adult", name))
	}
	t.neighbours[name] = nil
	t.recomputeLocked()
	t.logger.Info("Added adult to liveness tracker",
		zap.Stringer("adult", name),
		zap.Int("neighbours", len(t.neighbours[name])))
}

// RetainMembers drops any peer not in members from both maps and recomputes neighbours.
func (t *Tracker) RetainMembers(members mapset.Set[types.Name]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name := range t.neighbours {
		if !members.Contains(name) {
			delete(t.neighbours, name)
			delete(t.unfulfilled, name)
		}
	}
	for name := range t.unfulfilled {
		if !members.Contains(name) {
			delete(t.unfulfilled, name)
		}
	}
	t.recomputeLocked()
}

// Tracked returns the adults whose neighbours are tracked.
func (t *Tracker) Tracked() []types.Name {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Name, 0, len(t.neighbours))
	for name := range t.neighbours {
		out = append(out, name)
	}
	return out
}

// Neighbours returns the closest tracked adults to name, nearest first.
func (t *Tracker) Neighbours(name types.Name) []types.Name {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.Name(nil), t.neighbours[name]...)
}

func (t *Tracker) recomputeLocked() {
	all := make([]types.Name, 0, len(t.neighbours))
	for name := range t.neighbours {
		all = append(all, name)
	}
	for name := range t.neighbours {
		others := make([]types.Name, 0, len(all)-1)
		for _, o := range all {
			if o != name {
				others = append(others, o)
			}
		}
		sort.Slice(others, func(i, j int) bool {
			return name.CmpDistance(others[i], others[j]) < 0
		})
		if len(others) > t.cfg.NeighbourCount {
			others = others[:t.cfg.NeighbourCount]
		}
		t.neighbours[name] = others
	}
}

// FindUnresponsive returns every tracked peer with more than MinPendingOps
// outstanding operations whose worst neighbour also exceeds MinPendingOps
// and is still less than the peer's count scaled by the tolerance.
func (t *Tracker) FindUnresponsive() []Unresponsive {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Unresponsive
	for name, neighbours := range t.neighbours {
		maxNeighbour := 0
		for _, n := range neighbours {
			if c := len(t.unfulfilled[n]); c > maxNeighbour {
				maxNeighbour = c
			}
		}
		pending := len(t.unfulfilled[name])
		if pending > t.cfg.MinPendingOps &&
			maxNeighbour > t.cfg.MinPendingOps &&
			float64(pending)*t.cfg.PendingOpTolerance > float64(maxNeighbour) {
			t.logger.Info("Peer flagged as unresponsive",
				zap.Stringer("peer", name),
				zap.Int("pending", pending),
				zap.Int("max_neighbour_pending", maxNeighbour))
			out = append(out, Unresponsive{Name: name, Pending: pending})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pending > out[j].Pending })
	return out
}
