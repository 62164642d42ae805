// Package pebbledb implements store.Store on the embedded Pebble database.
//
// Records are JSON values under typed key prefixes; ordering-sensitive
// lookups (the pending queue and the heartbeat liveness index) are separate
// index keys with big-endian numeric segments so a prefix scan yields
// priority order and expiry order directly. All multi-key updates go through
// a single Pebble batch committed with the store's fsync policy, and a
// package-level mutex serializes writers so claim and finalize cannot race.
package pebbledb
