// Package logging provides structured logging configuration for driftmq.
//
// This package wraps log/slog to provide consistent logging across all
// broker components. It supports configurable log levels and output formats.
//
// # Usage
//
// Create a logger with desired configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatText,
//	})
//
//	logger.Info("broker started", "port", 1883)
//	logger.Error("bridge connect failed", "broker", peerID, "error", err)
//
// # Integration
//
// Components should accept a *slog.Logger in their constructor or via a
// setter. If no logger is provided, use logging.Nop() for a no-op logger.
package logging
