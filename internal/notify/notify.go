// Package notify defines the notifier contract each destination
// platform implements (spec.md §4.5).
package notify

import (
	"context"

	"github.com/SpriteOvO/closely-go/internal/status"
)

// Notifier dispatches one Notification to a single destination. A
// Notifier is constructed once per configured destination and reused
// across the process lifetime; any toggle or current-live state it
// owns is private to that destination (spec.md §5 "Shared resources").
type Notifier interface {
	Notify(ctx context.Context, n status.Notification) error

	// String names the destination for logging, e.g. "telegram(-100123)".
	String() string
}
