package storage

import (
	"github.com/cuemby/infusion/pkg/recovery"
)

// Store persists the controller's durable data: the encoded delivery state
// and the commands awaiting resolution
type Store interface {
	// Delivery state
	SaveState(data []byte) error
	LoadState() ([]byte, error)

	// Pending commands
	SavePending(p recovery.Pending) error
	DeletePending(commandID string) error
	ListPending() ([]recovery.Pending, error)

	// Utility
	Close() error
}
