//go:build !sqlite_vec

package store

import (
	"database/sql/driver"
	"fmt"
	"math"

	sqlite "modernc.org/sqlite"
)

// Default build: pure-Go SQLite. The vec_distance_cosine function that
// the sqlite-vec extension provides natively is registered here as a
// scalar function over the same little-endian float32 BLOB layout, so
// semantic search SQL is identical in both builds.
const driverName = "sqlite"

func init() {
	_ = sqlite.RegisterDeterministicScalarFunction("vec_distance_cosine", 2, vecDistanceCosine)
}

func vecDistanceCosine(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vec_distance_cosine: expected 2 arguments, got %d", len(args))
	}
	a, err := blobToFloat32(args[0])
	if err != nil {
		return nil, fmt.Errorf("vec_distance_cosine: first argument: %w", err)
	}
	b, err := blobToFloat32(args[1])
	if err != nil {
		return nil, fmt.Errorf("vec_distance_cosine: second argument: %w", err)
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("vec_distance_cosine: dimension mismatch %d vs %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return float64(1), nil
	}
	cos := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return 1 - cos, nil
}

func blobToFloat32(v driver.Value) ([]float32, error) {
	blob, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("expected BLOB, got %T", v)
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("BLOB length %d is not a multiple of 4", len(blob))
	}
	return UnmarshalEmbedding(blob), nil
}
