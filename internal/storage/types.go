package storage

import (
	"context"
	"errors"
	"time"

	"remindd/internal/reminder"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory" (default): state is lost on restart
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// DeliveryRetention prunes audit rows older than this. 0 keeps everything.
	DeliveryRetention time.Duration
}

// Store is the full persistence API. It satisfies the reminder engine's
// Store, CaseSource, UserDirectory and AckRecorder ports.
type Store interface {
	reminder.Store
	reminder.CaseSource
	reminder.AckRecorder

	GetUser(ctx context.Context, userID string) (*reminder.User, error)
	PutUser(ctx context.Context, u *reminder.User) error
	// DeleteUser removes userID; a missing user yields reminder.ErrNotFound.
	DeleteUser(ctx context.Context, userID string) error

	RecentDeliveries(ctx context.Context, instanceID string, limit int) ([]reminder.Delivery, error)
	Close() error
}
