// Package logging provides structured logging for the TRV bridge.
//
// This package wraps zap with convenience functions for the logging
// patterns used throughout the bridge. Components obtain named child
// loggers via Named:
//
//	log := logging.Named("proxy").With(zap.String("hostname", hostname))
//	log.Info("connected")
//
// # Log Levels
//
//   - Debug: hex dumps of frames, per-advertisement beacons
//   - Info: connections, session progress, published states
//   - Warn: dropped frames, retries, unknown command targets
//   - Error: attempt failures, exhausted commands, startup errors
//
// # Configuration
//
// Initialize logging at startup; the level comes from the --log-level
// flag or the TRV_BRIDGE_LOG_LEVEL environment variable:
//
//	if err := logging.Initialize(logLevel); err != nil {
//	    return err
//	}
//	defer logging.Sync()
//
// # Thread Safety
//
// All logging functions are safe for concurrent use.
package logging
