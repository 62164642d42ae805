// Package serverrun boots the tracker server process: logging, runtime,
// transports, and graceful shutdown on SIGINT/SIGTERM.
package serverrun
