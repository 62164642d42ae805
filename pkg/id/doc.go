// Package id generates 128-bit time-ordered identifiers used to key
// append-only records (completion log entries) so iteration order matches
// wall-clock order.
package id
