// Package state persists per-repository run history across daemon restarts.
//
// It currently supports:
//   - A single-file JSON store (default; atomic rename on every update)
//   - An optional SQLite store (build with -tags sqlite)
package state
