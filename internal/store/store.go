package store

import (
	"errors"

	"tuya-go-home/internal/config"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store persists the provisioning tables between runs, so devices
// discovered on the LAN survive a restart even before the user edits
// the config file.
// The controller's tables are the source of truth, so persistence is
// whole snapshots: SaveConfig atomically replaces both tables,
// LoadConfig returns ErrNotFound when the store has never been
// written.
type Store interface {
	SaveConfig(cfg *config.Config) error
	LoadConfig() (*config.Config, error)
	Close() error
}
