package store

import (
	"encoding/binary"
	"math"
	"time"

	"flywheel/internal/types"
)

// Pattern is one learned behavioral pattern. Patterns accumulate evidence
// as the detector keeps seeing them and accumulate outcomes as executions
// triggered by them succeed or fail. SuccessRate is always derived from
// the counters, never stored.
type Pattern struct {
	ID              int64             `json:"id"`
	Type            types.PatternType `json:"type"`
	Name            string            `json:"name"`
	Content         string            `json:"content,omitempty"`
	Confidence      float64           `json:"confidence"`
	EvidenceCount   int               `json:"evidence_count"`
	TimesSeen       int               `json:"times_seen"`
	TimesSuccessful int               `json:"times_successful"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Embedding       []float32         `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
	LastSeen        time.Time         `json:"last_seen"`
}

// SuccessRate returns TimesSuccessful/TimesSeen, or 0 before any outcome
// has been recorded.
func (p Pattern) SuccessRate() float64 {
	if p.TimesSeen == 0 {
		return 0
	}
	return float64(p.TimesSuccessful) / float64(p.TimesSeen)
}

// MarshalEmbedding serializes a float32 slice to a compact binary BLOB
// using little-endian encoding (4 bytes per float32).
func MarshalEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// UnmarshalEmbedding deserializes a BLOB back to a float32 slice.
func UnmarshalEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	n := len(data) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
