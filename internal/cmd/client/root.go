// Package client contains the Cobra CLI commands that drive a running
// tracker over its HTTP API.
package client

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string
