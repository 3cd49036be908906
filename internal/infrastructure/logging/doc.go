// Package logging provides structured logging for the event hub.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/eventhub.log"
//
// # Usage
//
//	logger, err := logging.New(cfg.Logging, "1.0.0")
//	defer logger.Close()
//	reg.SetLogger(logger.With("component", "registry"))
//
// Never log secrets, tokens or passwords. NOTIFY bodies are not logged.
package logging
