// Package log provides the tracker's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by the standard
// library's slog via a bridge handler, so output stays consistent whether
// code logs through the facade or through slog.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	l = l.With(log.Component("lease"))
//	l.Info("handout assigned", log.Str("project", "example"))
//
// ApplyConfig builds a logger from a declarative Config (level + format),
// and RedirectStdLog routes stdlib log output through the facade.
package log
