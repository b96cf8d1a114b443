package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LocalProvider implements the Provider API on the local filesystem. Checkpoints are written
// beneath a root directory, one file per key.
type LocalProvider struct {
	*baseProvider

	rootDirectory string
}

func NewLocalProvider(rootDirectory string, atom *zap.AtomicLevel) *LocalProvider {
	baseProvider := newBaseProvider("", rootDirectory, atom)

	provider := &LocalProvider{
		baseProvider:  baseProvider,
		rootDirectory: rootDirectory,
	}

	return provider
}

func (l *LocalProvider) Connect() error {
	l.status = Connecting

	if err := os.MkdirAll(l.rootDirectory, 0o755); err != nil {
		l.status = Disconnected
		l.logger.Error("Failed to create checkpoint root directory.",
			zap.String("directory", l.rootDirectory), zap.Error(err))
		return err
	}

	l.status = Connected
	return nil
}

func (l *LocalProvider) Close() error {
	return nil
}

func (l *LocalProvider) WriteCheckpoint(_ context.Context, key string, payload []byte) error {
	path := l.pathForKey(key)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for checkpoint \"%s\"", key)
	}

	// Write to a temporary file first so that a partially-written checkpoint is never
	// visible under the final path.
	temporaryPath := path + ".tmp"
	if err := os.WriteFile(temporaryPath, payload, 0o644); err != nil {
		l.logger.Error("Failed to write checkpoint to temporary file.",
			zap.String("path", temporaryPath), zap.Error(err))
		return err
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		l.logger.Error("Failed to promote temporary checkpoint file.",
			zap.String("path", path), zap.Error(err))
		return err
	}

	l.logger.Debug("Successfully wrote checkpoint.",
		zap.String("key", key), zap.String("path", path), zap.Int("num_bytes", len(payload)))

	return nil
}

func (l *LocalProvider) ReadCheckpoint(_ context.Context, key string) ([]byte, error) {
	path := l.pathForKey(key)

	payload, err := os.ReadFile(path)
	if err != nil {
		l.logger.Error("Failed to read checkpoint.",
			zap.String("key", key), zap.String("path", path), zap.Error(err))
		return nil, err
	}

	return payload, nil
}

func (l *LocalProvider) pathForKey(key string) string {
	return filepath.Join(l.rootDirectory, key+CheckpointFileExtension)
}
