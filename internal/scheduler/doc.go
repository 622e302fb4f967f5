// Package scheduler drives the fixed-rate network update.
//
// Ownership boundary:
// - modulo accumulator (remainder carried, never reset to zero)
// - per-tick drain followed by zero or more update passes
// - wall-clock loop for daemons
// - retry backoff policy
package scheduler
