// Package index owns the semantic search index: the in-memory HNSW graph and
// the persisted embedding rows it is rebuilt from.
package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Row is one persisted embedding.
type Row struct {
	Path      string
	Embedding []float32
	UpdatedAt time.Time
}

// EmbeddingStore persists embedding rows keyed by document path.
type EmbeddingStore interface {
	Upsert(ctx context.Context, row Row) error
	Delete(ctx context.Context, path string) error
	All(ctx context.Context) ([]Row, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// EncodeVector packs a float32 vector as little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector unpacks little-endian bytes into a float32 vector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
