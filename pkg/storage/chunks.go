package storage

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"sectiond/pkg/crypto"
	"sectiond/pkg/types"
)

// ErrNotEnoughSpace is returned when a chunk would exceed the capacity budget.
var ErrNotEnoughSpace = errors.New("not enough space")

// MaxStorageLevel is the level reported when the store is full.
const MaxStorageLevel = 10

var chunkPrefix = []byte("chunk/")

const (
	flagPlain      byte = 0
	flagCompressed byte = 1
)

// ChunkAddress returns the content address of data.
func ChunkAddress(data []byte) types.Name {
	return types.Name(crypto.Digest(data))
}

// ChunkStore stores immutable content-addressed chunks within a byte budget.
type ChunkStore struct {
	mu                sync.Mutex
	store             Store
	maxCapacity       int64
	used              int64
	enableCompression bool
	compressionLevel  int
	logger            *zap.Logger
}

// NewChunkStore wraps store with a capacity budget. The used size is
// recomputed from existing chunks.
func NewChunkStore(store Store, maxCapacity int64, enableCompression bool, logger *zap.Logger) (*ChunkStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cs := &ChunkStore{
		store:             store,
		maxCapacity:       maxCapacity,
		enableCompression: enableCompression,
		compressionLevel:  gzip.DefaultCompression,
		logger:            logger,
	}
	keys, err := store.Keys(chunkPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	for _, k := range keys {
		v, err := store.Get(k)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk: %w", err)
		}
		cs.used += int64(len(v))
	}
	return cs, nil
}

func chunkKey(addr types.Name) []byte {
	return append(append([]byte(nil), chunkPrefix...), addr[:]...)
}

// Put stores data under its content address.
func (cs *ChunkStore) Put(data []byte) (types.Name, error) {
	addr := ChunkAddress(data)
	value := append([]byte{flagPlain}, data...)
	if cs.enableCompression {
		compressed, err := cs.compressData(data)
		if err == nil && len(compressed) < len(data) {
			value = append([]byte{flagCompressed}, compressed...)
		}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, err := cs.store.Get(chunkKey(addr)); err == nil {
		return addr, fmt.Errorf("chunk %s: %w", addr, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return addr, err
	}
	if cs.maxCapacity > 0 && cs.used+int64(len(value)) > cs.maxCapacity {
		return addr, fmt.Errorf("chunk %s of %d bytes: %w", addr, len(value), ErrNotEnoughSpace)
	}
	if err := cs.store.Put(chunkKey(addr), value); err != nil {
		return addr, fmt.Errorf("failed to store chunk %s: %w", addr, err)
	}
	cs.used += int64(len(value))
	cs.logger.Debug("Stored chunk",
		zap.Stringer("address", addr),
		zap.Int("size", len(value)),
		zap.Bool("compressed", value[0] == flagCompressed))
	return addr, nil
}

// Get returns the chunk at addr, verifying its content hash.
func (cs *ChunkStore) Get(addr types.Name) ([]byte, error) {
	value, err := cs.store.Get(chunkKey(addr))
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("chunk %s: empty record", addr)
	}
	data := value[1:]
	if value[0] == flagCompressed {
		data, err = cs.decompressData(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %s: %w", addr, err)
		}
	}
	if ChunkAddress(data) != addr {
		return nil, fmt.Errorf("chunk %s failed integrity check", addr)
	}
	return data, nil
}

// Delete removes the chunk at addr.
func (cs *ChunkStore) Delete(addr types.Name) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	value, err := cs.store.Get(chunkKey(addr))
	if err != nil {
		return err
	}
	if err := cs.store.Delete(chunkKey(addr)); err != nil {
		return err
	}
	cs.used -= int64(len(value))
	return nil
}

// Addresses lists stored chunk addresses.
func (cs *ChunkStore) Addresses() ([]types.Name, error) {
	keys, err := cs.store.Keys(chunkPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.Name, 0, len(keys))
	for _, k := range keys {
		var n types.Name
		copy(n[:], k[len(chunkPrefix):])
		out = append(out, n)
	}
	return out, nil
}

// Used returns the number of bytes consumed.
func (cs *ChunkStore) Used() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.used
}

// Level returns the fill level from 0 to MaxStorageLevel.
func (cs *ChunkStore) Level() uint8 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.maxCapacity <= 0 {
		return 0
	}
	level := cs.used * MaxStorageLevel / cs.maxCapacity
	if level > MaxStorageLevel {
		level = MaxStorageLevel
	}
	return uint8(level)
}

// compressData compresses data using gzip
func (cs *ChunkStore) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, cs.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write compressed data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// decompressData decompresses gzip-compressed data
func (cs *ChunkStore) decompressData(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed data: %w", err)
	}

	return decompressed, nil
}
