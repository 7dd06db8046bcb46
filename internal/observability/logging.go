// Package observability provides the structured logging and metrics
// conventions shared by every component of the dispatcher.
package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// WithTask attaches a task identifier to the logger.
func WithTask(logger *slog.Logger, taskID string) *slog.Logger {
	if logger == nil || taskID == "" {
		return logger
	}
	return logger.With("task_id", taskID)
}

// WithBranchKey attaches the owner.repo.branch scheduling key to the logger.
func WithBranchKey(logger *slog.Logger, key string) *slog.Logger {
	if logger == nil || key == "" {
		return logger
	}
	return logger.With("branch_key", key)
}

// WithSecret attaches a redacted fingerprint of a sensitive value instead of
// the value itself, so webhook secrets never reach a log line directly.
func WithSecret(logger *slog.Logger, secret string) *slog.Logger {
	if logger == nil || secret == "" {
		return logger
	}
	return logger.With("secret_hash", hashSecret(secret))
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
