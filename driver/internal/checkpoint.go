package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/OpenBMB/RLPR/common/configuration"
	"github.com/OpenBMB/RLPR/common/storage"
)

// Checkpoint captures the controller's progress after a committed step. It deliberately
// excludes model tensors; engines own their own weight persistence.
type Checkpoint struct {
	DriverID       string    `json:"driver_id"`
	Step           uint64    `json:"step"`
	PolicyVersion  uint64    `json:"policy_version"`
	RolloutVersion uint64    `json:"rollout_version"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Checkpointer persists controller checkpoints through a storage.Provider on a configured
// step interval.
type Checkpointer struct {
	log logger.Logger

	provider storage.Provider
	interval int
}

// NewCheckpointer wraps the given provider. An interval of zero disables checkpointing;
// ShouldCheckpoint then always returns false.
func NewCheckpointer(provider storage.Provider, interval int) *Checkpointer {
	checkpointer := &Checkpointer{
		provider: provider,
		interval: interval,
	}
	config.InitLogger(&checkpointer.log, checkpointer)
	return checkpointer
}

// ProviderForOptions constructs the storage.Provider selected by the configuration.
func ProviderForOptions(opts *configuration.DriverOptions, atom *zap.AtomicLevel) (storage.Provider, error) {
	switch opts.RemoteStorage {
	case "", "local":
		directory := opts.CheckpointDirectory
		if directory == "" {
			directory = "checkpoints"
		}
		return storage.NewLocalProvider(directory, atom), nil
	case "redis":
		return storage.NewRedisProvider(opts.RemoteStorageEndpoint, opts.CheckpointDirectory, atom), nil
	case "s3":
		return storage.NewS3Provider(opts.AwsRegion, opts.S3Bucket, opts.CheckpointDirectory, atom), nil
	default:
		return nil, errors.Wrapf(ErrUnknownStorage, "\"%s\"", opts.RemoteStorage)
	}
}

// ShouldCheckpoint reports whether the given committed step is a checkpoint boundary.
func (c *Checkpointer) ShouldCheckpoint(step uint64) bool {
	if c == nil || c.interval <= 0 {
		return false
	}

	return step%uint64(c.interval) == 0
}

// Save serializes and persists the checkpoint under a key derived from its step.
func (c *Checkpointer) Save(ctx context.Context, checkpoint *Checkpoint) error {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize checkpoint for step %d", checkpoint.Step)
	}

	key := checkpointKey(checkpoint.Step)
	if err = c.provider.WriteCheckpoint(ctx, key, payload); err != nil {
		return errors.Wrapf(err, "failed to persist checkpoint for step %d", checkpoint.Step)
	}

	c.log.Debug("Persisted checkpoint for step %d (policy version %d).",
		checkpoint.Step, checkpoint.PolicyVersion)

	return nil
}

// Load retrieves and deserializes the checkpoint persisted for the given step.
func (c *Checkpointer) Load(ctx context.Context, step uint64) (*Checkpoint, error) {
	payload, err := c.provider.ReadCheckpoint(ctx, checkpointKey(step))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint for step %d", step)
	}

	var checkpoint Checkpoint
	if err = json.Unmarshal(payload, &checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize checkpoint for step %d", step)
	}

	return &checkpoint, nil
}

func checkpointKey(step uint64) string {
	return fmt.Sprintf("step_%06d", step)
}
