//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// sqlite_vec build: cgo SQLite with the native sqlite-vec extension,
// which ships vec_distance_cosine itself.
const driverName = "sqlite3"

func init() {
	vec.Auto()
}
