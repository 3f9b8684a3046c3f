//go:build !cgo

package sqlite

// CGOEnabled reports whether this build can open a go-sqlite3 database.
// Without cgo the driver registers but every query fails, so callers and
// tests check it first.
const CGOEnabled = false
