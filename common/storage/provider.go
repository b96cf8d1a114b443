package storage

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

const (
	Connected    ConnectionStatus = "CONNECTED"
	Connecting   ConnectionStatus = "CONNECTING"
	Disconnected ConnectionStatus = "DISCONNECTED"

	CheckpointFileExtension string = ".json"
)

// ConnectionStatus indicates the status of the connection with the remote storage.
type ConnectionStatus string

// Provider is a generic API for persisting and retrieving training checkpoints to an
// arbitrary intermediate storage medium, such as the local filesystem, Redis, or AWS S3.
type Provider interface {
	Connect() error

	Close() error

	// ConnectionStatus returns the current ConnectionStatus of the Provider.
	ConnectionStatus() ConnectionStatus

	// WriteCheckpoint persists a serialized checkpoint under the given key.
	WriteCheckpoint(ctx context.Context, key string, payload []byte) error

	// ReadCheckpoint retrieves the serialized checkpoint stored under the given key.
	ReadCheckpoint(ctx context.Context, key string) ([]byte, error)
}

type baseProvider struct {
	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger

	status ConnectionStatus

	hostname string
	prefix   string
}

func newBaseProvider(hostname string, prefix string, atom *zap.AtomicLevel) *baseProvider {
	provider := &baseProvider{
		hostname: hostname,
		prefix:   prefix,
		status:   Disconnected,
	}

	var (
		logger *zap.Logger
		err    error
	)
	if atom != nil {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = *atom
		logger, err = cfg.Build()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		return nil
	}
	provider.logger = logger
	provider.sugaredLogger = logger.Sugar()

	return provider
}

// ConnectionStatus returns the current ConnectionStatus of the Provider.
func (p *baseProvider) ConnectionStatus() ConnectionStatus {
	return p.status
}
