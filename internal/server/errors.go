package server

import (
	"errors"
	"fmt"

	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrMaxClientsReached    = errors.New("maximum clients reached")
	ErrAlreadyConnected     = errors.New("session already joined a group")
	ErrInvalidConfig        = errors.New("invalid server configuration")

	// ErrUnauthorized travels to clients as an access-denied error.
	ErrUnauthorized = fmt.Errorf("unauthorized: %w", syncable.ErrAccessDenied)
)
