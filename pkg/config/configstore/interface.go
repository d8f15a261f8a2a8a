// Package configstore defines what every descriptor store provides.
package configstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound         = errors.New("config document not found")
	ErrWatchUnsupported = errors.New("store does not support watching")
)

type ConfigStore interface {
	Load(ctx context.Context, out any) error
	Save(ctx context.Context, data any) error
}

// Watcher calls onChange whenever the stored document changes, until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
