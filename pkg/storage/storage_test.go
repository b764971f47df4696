package storage

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sectiond/pkg/crypto"
	"sectiond/pkg/knowledge"
	"sectiond/pkg/types"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	badgerStore, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get([]byte("missing"))
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete([]byte("missing")), ErrNotFound)

			require.NoError(t, s.Put([]byte("a/1"), []byte("one")))
			require.NoError(t, s.Put([]byte("a/2"), []byte("two")))
			require.NoError(t, s.Put([]byte("b/1"), []byte("three")))

			v, err := s.Get([]byte("a/1"))
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), v)

			keys, err := s.Keys([]byte("a/"))
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("a/1"), []byte("a/2")}, keys)

			require.NoError(t, s.Delete([]byte("a/1")))
			_, err = s.Get([]byte("a/1"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestChunkStore(t *testing.T) {
	cs, err := NewChunkStore(NewMemoryStore(), 1024, false, zaptest.NewLogger(t))
	require.NoError(t, err)

	data := []byte("hello section")
	addr, err := cs.Put(data)
	require.NoError(t, err)
	assert.Equal(t, ChunkAddress(data), addr)

	got, err := cs.Get(addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = cs.Put(data)
	assert.ErrorIs(t, err, ErrExists)

	_, err = cs.Get(types.RandomName())
	assert.ErrorIs(t, err, ErrNotFound)

	addrs, err := cs.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []types.Name{addr}, addrs)

	require.NoError(t, cs.Delete(addr))
	assert.Equal(t, int64(0), cs.Used())
}

func TestChunkStoreCapacity(t *testing.T) {
	cs, err := NewChunkStore(NewMemoryStore(), 1000, false, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		chunk := make([]byte, 199)
		_, err := rand.Read(chunk)
		require.NoError(t, err)
		_, err = cs.Put(chunk)
		require.NoError(t, err, fmt.Sprintf("chunk %d", i))
	}
	assert.Equal(t, int64(800), cs.Used())
	assert.Equal(t, uint8(8), cs.Level())

	big := make([]byte, 300)
	_, err = rand.Read(big)
	require.NoError(t, err)
	_, err = cs.Put(big)
	assert.ErrorIs(t, err, ErrNotEnoughSpace)
}

func TestChunkStoreCompression(t *testing.T) {
	backing := NewMemoryStore()
	cs, err := NewChunkStore(backing, 0, true, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("CompressibleData", func(t *testing.T) {
		data := make([]byte, 64*1024)
		addr, err := cs.Put(data)
		require.NoError(t, err)
		assert.Less(t, cs.Used(), int64(len(data)), "compressed size should be smaller")

		got, err := cs.Get(addr)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("UsedSurvivesReopen", func(t *testing.T) {
		reopened, err := NewChunkStore(backing, 0, true, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Equal(t, cs.Used(), reopened.Used())
	})
}

func TestKeyStore(t *testing.T) {
	ks := NewKeyStore(NewMemoryStore())

	first, err := ks.NetworkKeypair()
	require.NoError(t, err)
	again, err := ks.NetworkKeypair()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), again.PublicKey())

	reward, err := ks.RewardKeypair()
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey(), reward.PublicKey())

	g1, err := ks.GenesisKeypair()
	require.NoError(t, err)
	g2, err := ks.GenesisKeypair()
	require.NoError(t, err)
	assert.Equal(t, g1.PublicKey(), g2.PublicKey())

	network, _, err := ks.Regenerate()
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey(), network.PublicKey())

	_, err = ks.LoadPrefixMap()
	assert.ErrorIs(t, err, ErrNotFound)

	genesis, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	k, err := knowledge.NewFirstSection(genesis, types.Peer{Name: types.RandomName(), Addr: "127.0.0.1:1"}, 255, 5)
	require.NoError(t, err)
	require.NoError(t, ks.SavePrefixMap(k))

	snap, err := ks.LoadPrefixMap()
	require.NoError(t, err)
	assert.Equal(t, genesis.PublicKey(), snap.Genesis)
	require.Len(t, snap.Sections, 1)
	assert.True(t, snap.Sections[0].Verify())
}
