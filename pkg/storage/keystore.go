package storage

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/types"
)

var (
	networkKeyKey = []byte("keys/network")
	rewardKeyKey  = []byte("keys/reward")
	genesisKeyKey = []byte("keys/genesis")
	prefixMapKey  = []byte("network/prefix_map")
)

// PrefixMapSnapshot is the persisted view of known sections.
type PrefixMapSnapshot struct {
	Genesis  crypto.PublicKey
	DAG      []knowledge.DAGEntry
	Sections []knowledge.SignedAuthority
}

// KeyStore persists the node's keypairs and its last known prefix map.
type KeyStore struct {
	store Store
}

// NewKeyStore wraps store.
func NewKeyStore(store Store) *KeyStore {
	return &KeyStore{store: store}
}

// NetworkKeypair loads the network keypair, generating and saving one on first use.
func (ks *KeyStore) NetworkKeypair() (*crypto.Keypair, error) {
	return ks.loadOrCreate(networkKeyKey)
}

// RewardKeypair loads the reward keypair, generating and saving one on first use.
func (ks *KeyStore) RewardKeypair() (*crypto.Keypair, error) {
	return ks.loadOrCreate(rewardKeyKey)
}

// GenesisKeypair loads the genesis keypair of a first node, generating and
// saving one on first use.
func (ks *KeyStore) GenesisKeypair() (*crypto.Keypair, error) {
	return ks.loadOrCreate(genesisKeyKey)
}

// Regenerate replaces both keypairs with fresh ones.
func (ks *KeyStore) Regenerate() (network, reward *crypto.Keypair, err error) {
	if network, err = ks.generate(networkKeyKey); err != nil {
		return nil, nil, err
	}
	if reward, err = ks.generate(rewardKeyKey); err != nil {
		return nil, nil, err
	}
	return network, reward, nil
}

func (ks *KeyStore) loadOrCreate(key []byte) (*crypto.Keypair, error) {
	seed, err := ks.store.Get(key)
	if errors.Is(err, ErrNotFound) {
		return ks.generate(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return crypto.KeypairFromSeed(seed)
}

func (ks *KeyStore) generate(key []byte) (*crypto.Keypair, error) {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := ks.store.Put(key, kp.Seed()); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", key, err)
	}
	return kp, nil
}

// SavePrefixMap persists the known sections and the DAG proving them.
func (ks *KeyStore) SavePrefixMap(k *knowledge.NetworkKnowledge) error {
	snap := PrefixMapSnapshot{
		Genesis:  k.DAG().GenesisKey(),
		DAG:      k.DAG().Entries(),
		Sections: k.Sections(),
	}
	b, err := types.CanonicalBytes(snap)
	if err != nil {
		return err
	}
	if err := ks.store.Put(prefixMapKey, b); err != nil {
		return fmt.Errorf("failed to write prefix map: %w", err)
	}
	return nil
}

// LoadPrefixMap returns the last saved snapshot.
func (ks *KeyStore) LoadPrefixMap() (*PrefixMapSnapshot, error) {
	b, err := ks.store.Get(prefixMapKey)
	if err != nil {
		return nil, err
	}
	var snap PrefixMapSnapshot
	if err := cbor.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode prefix map: %w", err)
	}
	return &snap, nil
}
