// Package store provides the durable pattern store behind the
// learning feedback loop.
//
// UpdateConfidence is the single mutation point on the hot path and is
// atomic per pattern ID in every backend.
//
// Supported backends:
// - Memory: for development and testing (default)
// - File: JSON index for single-node deployments
// - Redis: for distributed deployments
// - SQLite: embedded single-binary deployments (pure-Go driver)
package store
