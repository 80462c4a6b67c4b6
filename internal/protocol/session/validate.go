package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/ddpctl/internal/protocol/frame"
)

var (
	ErrInvalidConfig     = errors.New("session: invalid config")
	ErrURLRequired       = errors.New("session: server url required")
	ErrInvalidAttempts   = errors.New("session: max connect attempts must not be negative")
	ErrInvalidFrameLimit = errors.New("session: max frame bytes must not be negative")
)

// Validate checks the dial-facing parts of the config.
func (c Config) Validate() error {
	if c.URL == "" {
		return ErrURLRequired
	}
	if _, err := frame.NormalizeURL(c.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.MaxConnectAttempts < 0 {
		return ErrInvalidAttempts
	}
	if c.Limits.MaxPayloadBytes < 0 {
		return ErrInvalidFrameLimit
	}
	if c.Backoff.Multiplier < 0 {
		return fmt.Errorf("%w: negative backoff multiplier", ErrInvalidConfig)
	}
	return nil
}
