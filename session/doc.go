// Package session houses concrete implementations of core.HistoryStore. The
// interface itself (and the History struct) live in the core package so
// higher level packages depend on the contract, not on concrete storage.
//
// Add additional backends (Redis, Postgres, etc.) in sub-packages without
// changing any calling code; only the wiring layer decides which
// implementation to instantiate.
package session
