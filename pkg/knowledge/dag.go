package knowledge

import (
	"errors"
	"fmt"
	"sync"

	"sectiond/pkg/crypto"
)

var (
	// ErrKeyNotFound is returned when a key is not part of the DAG.
	ErrKeyNotFound = errors.New("section key not found in DAG")
	// ErrInvalidSignature is returned when a child key is not signed by its parent.
	ErrInvalidSignature = errors.New("invalid parent signature over section key")
	// ErrNotAncestor is returned when a proof chain is requested between unrelated keys.
	ErrNotAncestor = errors.New("key is not an ancestor")
)

// DAGEntry is one edge of the DAG: Key signed by Parent's secret.
type DAGEntry struct {
	Parent crypto.PublicKey
	Key    crypto.PublicKey
	Sig    crypto.Signature
}

// SignChild creates the DAG edge authorising child under the parent signer.
func SignChild(parent crypto.Signer, child crypto.PublicKey) DAGEntry {
	return DAGEntry{Parent: parent.PublicKey(), Key: child, Sig: parent.Sign(child[:])}
}

type dagNode struct {
	parent   crypto.PublicKey
	sig      crypto.Signature
	root     bool
	children []crypto.PublicKey
}

// SectionsDAG is the append-only DAG of every section key this node trusts.
// Every non-root key is signed by its parent.
type SectionsDAG struct {
	mu      sync.RWMutex
	genesis crypto.PublicKey
	nodes   map[crypto.PublicKey]*dagNode
	order   []crypto.PublicKey
}

// NewSectionsDAG creates a DAG rooted at the genesis key.
func NewSectionsDAG(genesis crypto.PublicKey) *SectionsDAG {
	return &SectionsDAG{
		genesis: genesis,
		nodes:   map[crypto.PublicKey]*dagNode{genesis: {root: true}},
		order:   []crypto.PublicKey{genesis},
	}
}

// GenesisKey returns the root key.
func (d *SectionsDAG) GenesisKey() crypto.PublicKey {
	return d.genesis
}

// Insert adds key as a child of parent. Inserting a known key is a no-op.
func (d *SectionsDAG) Insert(parent, key crypto.PublicKey, sig crypto.Signature) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insertLocked(parent, key, sig)
}

func (d *SectionsDAG) insertLocked(parent, key crypto.PublicKey, sig crypto.Signature) error {
	if _, ok := d.nodes[key]; ok {
		return nil
	}
	p, ok := d.nodes[parent]
	if !ok {
		return fmt.Errorf("parent %s: %w", parent, ErrKeyNotFound)
	}
	if !crypto.Verify(parent, key[:], sig) {
		return fmt.Errorf("key %s: %w", key, ErrInvalidSignature)
	}
	d.nodes[key] = &dagNode{parent: parent, sig: sig}
	p.children = append(p.children, key)
	d.order = append(d.order, key)
	return nil
}

// Extend inserts a chain of entries in order. Entries must be ordered so
// that every parent is known before its child.
func (d *SectionsDAG) Extend(entries []DAGEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if err := d.insertLocked(e.Parent, e.Key, e.Sig); err != nil {
			return err
		}
	}
	return nil
}

// HasKey reports whether key is trusted.
func (d *SectionsDAG) HasKey(key crypto.PublicKey) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nodes[key]
	return ok
}

// Len returns the number of keys.
func (d *SectionsDAG) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// GetAncestors returns the ancestors of key, nearest first, ending with genesis.
func (d *SectionsDAG) GetAncestors(key crypto.PublicKey) ([]crypto.PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n, ok := d.nodes[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, ErrKeyNotFound)
	}
	var out []crypto.PublicKey
	for !n.root {
		out = append(out, n.parent)
		n = d.nodes[n.parent]
	}
	return out, nil
}

// LastKeys returns key followed by up to n-1 of its nearest ancestors.
func (d *SectionsDAG) LastKeys(key crypto.PublicKey, n int) ([]crypto.PublicKey, error) {
	ancestors, err := d.GetAncestors(key)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if len(ancestors) > n-1 {
		ancestors = ancestors[:n-1]
	}
	return append([]crypto.PublicKey{key}, ancestors...), nil
}

// ProofChain returns the entries leading from ancestor down to key, in
// insertion order. An empty chain is returned when ancestor == key.
func (d *SectionsDAG) ProofChain(ancestor, key crypto.PublicKey) ([]DAGEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.nodes[ancestor]; !ok {
		return nil, fmt.Errorf("key %s: %w", ancestor, ErrKeyNotFound)
	}
	n, ok := d.nodes[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, ErrKeyNotFound)
	}
	var chain []DAGEntry
	cur := key
	for cur != ancestor {
		if n.root {
			return nil, fmt.Errorf("%s to %s: %w", ancestor, key, ErrNotAncestor)
		}
		chain = append(chain, DAGEntry{Parent: n.parent, Key: cur, Sig: n.sig})
		cur = n.parent
		n = d.nodes[cur]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// IsAncestor reports whether ancestor is on the path from key to genesis, or equals key.
func (d *SectionsDAG) IsAncestor(ancestor, key crypto.PublicKey) bool {
	_, err := d.ProofChain(ancestor, key)
	return err == nil
}

// Leaves returns keys with no children.
func (d *SectionsDAG) Leaves() []crypto.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []crypto.PublicKey
	for _, k := range d.order {
		if len(d.nodes[k].children) == 0 {
			out = append(out, k)
		}
	}
	return out
}

// Entries returns every edge in insertion order, suitable for Extend on a fresh DAG.
func (d *SectionsDAG) Entries() []DAGEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DAGEntry, 0, len(d.order)-1)
	for _, k := range d.order {
		n := d.nodes[k]
		if n.root {
			continue
		}
		out = append(out, DAGEntry{Parent: n.parent, Key: k, Sig: n.sig})
	}
	return out
}
