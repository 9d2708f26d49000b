package embeddings

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

const indexMagic = uint32(0x484E5357) // "HNSW"

// ErrBadIndex reports an unreadable serialized index.
var ErrBadIndex = errors.New("bad nearest-neighbor index")

// Neighbor is one nearest-neighbor result.
type Neighbor struct {
	Identifier string
	Score      float64
}

// Index is the nearest-neighbor structure over all cached embeddings. It is
// rebuilt from scratch whenever any embedding changes and serialized to
// hnsw.idx for warm starts. Lookups score every vector; the corpus is small
// enough that exactness beats an approximate graph.
type Index struct {
	identifiers []string
	vectors     [][]int8
}

// BuildIndex creates an index from embedding rows. Rows with undecodable
// vectors are skipped.
func BuildIndex(entries []Entry) *Index {
	idx := &Index{}
	for _, entry := range entries {
		vector, err := DecodeVector(entry.Embedding)
		if err != nil || len(vector) == 0 {
			continue
		}
		idx.identifiers = append(idx.identifiers, entry.Identifier)
		idx.vectors = append(idx.vectors, vector)
	}
	return idx
}

// Len returns the number of indexed vectors.
func (idx *Index) Len() int {
	return len(idx.identifiers)
}

// Closest returns the k nearest identifiers to the query vector, best first.
func (idx *Index) Closest(query []int8, k int) []Neighbor {
	neighbors := make([]Neighbor, 0, len(idx.identifiers))
	for i, vector := range idx.vectors {
		neighbors = append(neighbors, Neighbor{
			Identifier: idx.identifiers[i],
			Score:      CosineSimilarity(query, vector),
		})
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Score > neighbors[j].Score
	})
	if k > 0 && len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}

// Save serializes the index to path.
func (idx *Index) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer file.Close()

	write := func(v any) error { return binary.Write(file, binary.BigEndian, v) }
	if err := write(indexMagic); err != nil {
		return fmt.Errorf("write index header: %w", err)
	}
	if err := write(uint32(len(idx.identifiers))); err != nil {
		return fmt.Errorf("write index count: %w", err)
	}
	for i, id := range idx.identifiers {
		if err := write(uint16(len(id))); err != nil {
			return fmt.Errorf("write identifier length: %w", err)
		}
		if _, err := file.WriteString(id); err != nil {
			return fmt.Errorf("write identifier: %w", err)
		}
		vector := idx.vectors[i]
		if err := write(uint16(len(vector))); err != nil {
			return fmt.Errorf("write vector length: %w", err)
		}
		raw := make([]byte, len(vector))
		for j, v := range vector {
			raw[j] = byte(v)
		}
		if _, err := file.Write(raw); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// LoadIndex deserializes an index from path.
func LoadIndex(path string) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	read := func(v any) error { return binary.Read(file, binary.BigEndian, v) }
	var magic uint32
	if err := read(&magic); err != nil || magic != indexMagic {
		return nil, ErrBadIndex
	}
	var count uint32
	if err := read(&count); err != nil {
		return nil, ErrBadIndex
	}

	idx := &Index{}
	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := read(&idLen); err != nil {
			return nil, ErrBadIndex
		}
		idRaw := make([]byte, idLen)
		if _, err := io.ReadFull(file, idRaw); err != nil {
			return nil, ErrBadIndex
		}
		var vecLen uint16
		if err := read(&vecLen); err != nil {
			return nil, ErrBadIndex
		}
		raw := make([]byte, vecLen)
		if _, err := io.ReadFull(file, raw); err != nil {
			return nil, ErrBadIndex
		}
		vector := make([]int8, vecLen)
		for j, b := range raw {
			vector[j] = int8(b)
		}
		idx.identifiers = append(idx.identifiers, string(idRaw))
		idx.vectors = append(idx.vectors, vector)
	}
	return idx, nil
}
