// Package chunk implements the bridge's oversized-reply splitting contract:
// base64-encode the serialized reply, slice the base64 text into
// Threshold-sized pieces, and send each as a wire.Chunk in index order.
// Assembler is the mirrored counterpart; the authoritative reassembler
// lives on the client, but the bridge keeps its own copy here to exercise
// the round-trip invariant in tests.
package chunk

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nativehost/automation-bridge/internal/wire"
)

// DefaultThreshold is the ~1 MiB cutoff above which a reply is chunked.
const DefaultThreshold = 1 << 20

// Encode returns either a single Reply (fast path, |serialized| <= threshold)
// or an ordered slice of Chunks whose concatenated, base64-decoded payload
// equals the serialized Reply. threshold <= 0 selects DefaultThreshold.
func Encode(reply wire.Reply, threshold int) (*wire.Reply, []wire.Chunk, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	serialized, err := json.Marshal(reply)
	if err != nil {
		return nil, nil, fmt.Errorf("encode reply %s: %w", reply.RequestID, err)
	}
	if len(serialized) <= threshold {
		return &reply, nil, nil
	}

	encoded := base64.StdEncoding.EncodeToString(serialized)
	total := (len(encoded) + threshold - 1) / threshold
	chunks := make([]wire.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * threshold
		end := start + threshold
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, wire.Chunk{
			RequestID:   reply.RequestID,
			ChunkIndex:  i,
			TotalChunks: total,
			Chunk:       encoded[start:end],
		})
	}
	return nil, chunks, nil
}

// Assembler mirrors the client-side reassembly contract: it accumulates
// chunks for one requestId and produces the original Reply once every slot
// is filled. Duplicate indices overwrite, so reassembly stays idempotent
// under retransmission.
type Assembler struct {
	total  int
	slots  []string
	filled int
}

// NewAssembler allocates a fixed-length slot array sized by the first
// chunk's TotalChunks.
func NewAssembler(total int) *Assembler {
	return &Assembler{total: total, slots: make([]string, total)}
}

// Add places chunk c's payload at its index. It returns the reassembled
// Reply once all slots have been written at least once.
func (a *Assembler) Add(c wire.Chunk) (*wire.Reply, error) {
	if c.TotalChunks != a.total {
		return nil, fmt.Errorf("chunk %s: totalChunks mismatch, assembler wants %d got %d", c.RequestID, a.total, c.TotalChunks)
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= a.total {
		return nil, fmt.Errorf("chunk %s: index %d out of range [0,%d)", c.RequestID, c.ChunkIndex, a.total)
	}
	if a.slots[c.ChunkIndex] == "" {
		a.filled++
	}
	a.slots[c.ChunkIndex] = c.Chunk

	if a.filled < a.total {
		return nil, nil
	}

	var encoded string
	for _, s := range a.slots {
		encoded += s
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: base64 decode: %w", c.RequestID, err)
	}
	var reply wire.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("chunk %s: json decode: %w", c.RequestID, err)
	}
	return &reply, nil
}

// Done reports whether every slot has been filled.
func (a *Assembler) Done() bool {
	return a.filled >= a.total
}
