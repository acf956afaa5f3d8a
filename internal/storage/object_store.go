// Package storage publishes finished output files to an object store.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader) error

	// Location returns a human readable address of key.
	Location(key string) string
}

// Key joins an optional prefix and the base name of a local file.
func Key(prefix, file string) string {
	return path.Join(prefix, filepath.Base(file))
}

// Publish uploads the local file under key.
func Publish(ctx context.Context, store ObjectStore, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	if err := store.PutObject(ctx, key, f); err != nil {
		return err
	}
	return nil
}
