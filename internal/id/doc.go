// Package id provides unique identifier generation utilities.
//
// This is the canonical source for ID generation across the driftmq codebase:
//
//   - UUID: Standard UUID v4 (random) for device uuids
//   - Short: 16-character hex IDs for client IDs and scheduler task IDs
//   - Token: configurable-length hex secrets for auth keys and bridge tokens
//   - Alphanumeric: random alphanumeric strings for MQTT passwords
//
// All ID generation functions use crypto/rand for secure randomness.
package id
