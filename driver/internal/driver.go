package internal

import (
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"

	"github.com/OpenBMB/RLPR/common/cluster"
	"github.com/OpenBMB/RLPR/common/configuration"
	"github.com/OpenBMB/RLPR/common/data"
	"github.com/OpenBMB/RLPR/common/metrics"
	"github.com/OpenBMB/RLPR/common/types"
	"github.com/OpenBMB/RLPR/common/worker"
)

// Controller drives the RL training loop from a single process. It owns the worker groups
// of every role, advances the per-step state machine, and keeps the rollout policy's
// staleness within the configured bound.
//
// A step either commits in full, leaving the cluster in the Synced state, or fails as a
// unit: the batch is discarded and the step is retried from AwaitingBatch.
type Controller struct {
	log logger.Logger

	id      string
	options *configuration.DriverOptions

	allocator      *cluster.Allocator
	invoker        worker.Invoker
	dataLoader     DataLoader
	estimator      AdvantageEstimator
	checkpointer   *Checkpointer
	metricsManager *metrics.DriverPrometheusManager

	groups cmap.ConcurrentMap[string, *worker.Group]

	mu             sync.Mutex
	state          State
	step           uint64
	policyVersion  uint64
	rolloutVersion uint64
	provisioned    bool
	aborted        bool
}

// NewController constructs a Controller. The metrics manager and checkpointer may be nil;
// the corresponding concerns are then skipped.
func NewController(options *configuration.DriverOptions, allocator *cluster.Allocator, invoker worker.Invoker,
	dataLoader DataLoader, estimator AdvantageEstimator, checkpointer *Checkpointer,
	metricsManager *metrics.DriverPrometheusManager) *Controller {

	controller := &Controller{
		id:             uuid.NewString(),
		options:        options,
		allocator:      allocator,
		invoker:        invoker,
		dataLoader:     dataLoader,
		estimator:      estimator,
		checkpointer:   checkpointer,
		metricsManager: metricsManager,
		groups:         cmap.New[*worker.Group](),
		state:          AwaitingBatch,
	}
	config.InitLogger(&controller.log, controller)

	return controller
}

// ID returns the controller's unique identifier.
func (c *Controller) ID() string {
	return c.id
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Step returns the number of steps that have committed.
func (c *Controller) Step() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// PolicyVersion returns the actor policy's current version.
func (c *Controller) PolicyVersion() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policyVersion
}

// RolloutStaleness returns how many committed updates the rollout policy currently lags
// behind the actor.
func (c *Controller) RolloutStaleness() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.policyVersion - c.rolloutVersion)
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// enabledRoles returns the roles the configuration asks the controller to provision.
func (c *Controller) enabledRoles() []types.Role {
	roles := []types.Role{types.ActorRole, types.RolloutRole, types.RewardModelRole}
	if c.options.CriticEnabled {
		roles = append(roles, types.CriticRole)
	}
	if c.options.ReferenceEnabled {
		roles = append(roles, types.ReferenceRole)
	}
	return roles
}

func (c *Controller) layoutFor(role types.Role) types.ParallelismLayout {
	var layoutOptions configuration.RoleLayoutOptions
	switch role {
	case types.ActorRole:
		layoutOptions = c.options.ActorLayout
	case types.CriticRole:
		layoutOptions = c.options.CriticLayout
	case types.ReferenceRole:
		layoutOptions = c.options.ReferenceLayout
	case types.RewardModelRole:
		layoutOptions = c.options.RewardLayout
	case types.RolloutRole:
		layoutOptions = c.options.RolloutLayout
	}

	return types.NewParallelismLayout(
		layoutOptions.DataParallel, layoutOptions.ModelParallel, layoutOptions.PipelineParallel)
}

// Provision allocates a resource pool and starts a worker group for every enabled role.
// On any failure, everything provisioned so far is torn down before returning.
func (c *Controller) Provision(ctx context.Context) error {
	c.mu.Lock()
	if c.provisioned {
		c.mu.Unlock()
		return ErrAlreadyProvisioned
	}
	c.mu.Unlock()

	for _, role := range c.enabledRoles() {
		layout := c.layoutFor(role)

		pool, err := c.allocator.Allocate(role, layout.WorldSize())
		if err != nil {
			c.log.Error("Failed to allocate pool for role \"%s\" (%s): %v", role, layout, err)
			c.teardownGroups()
			return errors.Wrapf(err, "failed to provision role \"%s\"", role)
		}

		group, err := worker.NewGroup(ctx, role, pool, layout, c.invoker)
		if err != nil {
			c.log.Error("Failed to start worker group for role \"%s\" (%s): %v", role, layout, err)
			_ = c.allocator.Release(pool)
			c.teardownGroups()
			return errors.Wrapf(err, "failed to provision role \"%s\"", role)
		}

		c.groups.Set(string(role), group)
		c.log.Debug("Provisioned role \"%s\" with layout %s over pool %s.", role, layout, pool.ID())

		if c.metricsManager != nil {
			_ = c.metricsManager.SetActiveWorkers(string(role), group.NumWorkers())
		}
	}

	c.mu.Lock()
	c.provisioned = true
	c.mu.Unlock()

	c.publishOccupancy()
	return nil
}

// Group returns the worker group serving the given role.
func (c *Controller) Group(role types.Role) (*worker.Group, error) {
	group, ok := c.groups.Get(string(role))
	if !ok {
		return nil, errors.Wrapf(ErrNotProvisioned, "role \"%s\"", role)
	}

	return group, nil
}

func (c *Controller) publishOccupancy() {
	if c.metricsManager == nil {
		return
	}

	_ = c.metricsManager.UpdateUnitOccupancy(c.allocator.NumFreeUnits(), c.allocator.NumAllocatedUnits())
}

// invokeGroup dispatches one method to one role's group, recording invocation metrics.
func (c *Controller) invokeGroup(ctx context.Context, state State, role types.Role, method string,
	batch *data.Batch, opts ...worker.InvokeOption) (*data.Batch, error) {

	group, err := c.Group(role)
	if err != nil {
		return nil, NewStepError(state, role, err)
	}

	started := time.Now()
	output, err := group.Invoke(ctx, method, batch, opts...)
	latency := time.Since(started)

	if c.metricsManager != nil {
		_ = c.metricsManager.InvocationCompleted(string(role), method, latency, err != nil)
	}

	if err != nil {
		return nil, NewStepError(state, role, err)
	}

	return output, nil
}

// invokeGroupShards dispatches one method over shards laid out for a preceding group,
// letting the target group reshard them to its own data-parallel degree. It returns the
// output shards together with the target group's layout, which becomes the source layout
// for the next hop.
func (c *Controller) invokeGroupShards(ctx context.Context, state State, role types.Role, method string,
	shards []*data.Batch, source types.ParallelismLayout,
	opts ...worker.InvokeOption) ([]*data.Batch, types.ParallelismLayout, error) {

	group, err := c.Group(role)
	if err != nil {
		return nil, source, NewStepError(state, role, err)
	}

	started := time.Now()
	output, err := group.InvokeShards(ctx, method, shards, source, opts...)
	latency := time.Since(started)

	if c.metricsManager != nil {
		_ = c.metricsManager.InvocationCompleted(string(role), method, latency, err != nil)
	}

	if err != nil {
		return nil, source, NewStepError(state, role, err)
	}

	return output, group.Layout(), nil
}

// updateGroup applies an update method over the batch, splitting it into micro-batches when
// micro-batching is configured. Micro-batches are dispatched sequentially; the per-sample
// outputs are not needed, only success or failure.
func (c *Controller) updateGroup(ctx context.Context, role types.Role, method string, batch *data.Batch, step uint64) error {
	microBatchSize := c.options.MicroBatchSize

	opts := []worker.InvokeOption{worker.WithStep(step)}
	if microBatchSize > 0 {
		opts = append(opts, worker.WithArg(worker.OptMicroBatchSize, microBatchSize))
	}

	if microBatchSize <= 0 || batch.Len() <= microBatchSize {
		_, err := c.invokeGroup(ctx, Updating, role, method, batch, opts...)
		return err
	}

	for lo := 0; lo < batch.Len(); lo += microBatchSize {
		hi := lo + microBatchSize
		if hi > batch.Len() {
			hi = batch.Len()
		}

		if _, err := c.invokeGroup(ctx, Updating, role, method, batch.Slice(lo, hi), opts...); err != nil {
			return err
		}
	}

	return nil
}

// updateRoles lists the roles that stage gradient updates during a step, in the order their
// update passes run.
func (c *Controller) updateRoles() []types.Role {
	roles := make([]types.Role, 0, 2)
	if c.options.CriticEnabled {
		roles = append(roles, types.CriticRole)
	}

	return append(roles, types.ActorRole)
}

// stageUpdates runs the critic and actor update passes over the batch. The engines stage
// the resulting gradient steps without applying them.
func (c *Controller) stageUpdates(ctx context.Context, batch *data.Batch, step uint64) error {
	if c.options.CriticEnabled {
		if err := c.updateGroup(ctx, types.CriticRole, worker.MethodUpdateCritic, batch, step); err != nil {
			return err
		}
	}

	return c.updateGroup(ctx, types.ActorRole, worker.MethodUpdatePolicy, batch, step)
}

// commitUpdates broadcasts the commit to every group that staged updates this step.
func (c *Controller) commitUpdates(ctx context.Context, step uint64) error {
	for _, role := range c.updateRoles() {
		if _, err := c.invokeGroup(ctx, Updating, role, worker.MethodCommitUpdate,
			data.NewBatch(), worker.WithStep(step)); err != nil {

			return err
		}
	}

	return nil
}

// discardStagedUpdates tells every update group to drop whatever it staged during a step
// that will not commit. Best effort; the step has already failed by the time this runs.
func (c *Controller) discardStagedUpdates(ctx context.Context, step uint64) {
	for _, role := range c.updateRoles() {
		group, err := c.Group(role)
		if err != nil {
			continue
		}

		if err = group.DiscardUpdates(ctx, worker.WithStep(step)); err != nil {
			c.log.Warn("Failed to discard staged updates for role \"%s\" at step %d: %v", role, step, err)
		}
	}
}

// shouldSync reports whether the configured policy calls for a weight synchronization after
// the given committed step.
func (c *Controller) shouldSync(step uint64) bool {
	switch c.options.WeightSyncPolicy {
	case configuration.SyncDisabled:
		return false
	case configuration.SyncInterval:
		return step%uint64(c.options.WeightSyncInterval) == 0
	default:
		return true
	}
}

// syncWeights exports the actor's current weights and imports them into the rollout group.
func (c *Controller) syncWeights(ctx context.Context) error {
	actorGroup, err := c.Group(types.ActorRole)
	if err != nil {
		return err
	}
	rolloutGroup, err := c.Group(types.RolloutRole)
	if err != nil {
		return err
	}

	started := time.Now()

	weights, err := actorGroup.ExportWeights(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to export actor weights")
	}

	if err = rolloutGroup.ImportWeights(ctx, weights); err != nil {
		return errors.Wrap(err, "failed to import weights into the rollout group")
	}

	c.mu.Lock()
	c.rolloutVersion = c.policyVersion
	staleness := int(c.policyVersion - c.rolloutVersion)
	c.mu.Unlock()

	if c.metricsManager != nil {
		_ = c.metricsManager.WeightSyncCompleted(time.Since(started), staleness)
	}

	c.log.Debug("Synchronized rollout weights to policy version %d (%s).",
		weights.Version, time.Since(started))

	return nil
}

// RunStep executes one full training step. On failure the step's batch is discarded and no
// part of the step is committed; the returned error is a *StepError identifying where the
// step failed.
func (c *Controller) RunStep(ctx context.Context) error {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return ErrControllerAborted
	}
	if !c.provisioned {
		c.mu.Unlock()
		return ErrNotProvisioned
	}
	step := c.step + 1
	c.mu.Unlock()

	stepStarted := time.Now()

	numSamples, err := c.runStepStates(ctx, step)
	if err != nil {
		var stepError *StepError
		if c.metricsManager != nil && errors.As(err, &stepError) {
			_ = c.metricsManager.StepFailed(string(stepError.State))
		}
		return err
	}

	if c.metricsManager != nil {
		_ = c.metricsManager.StepCompleted(time.Since(stepStarted), numSamples)
		_ = c.metricsManager.SetPolicyStaleness(c.RolloutStaleness())
	}

	return nil
}

func (c *Controller) runStepStates(ctx context.Context, step uint64) (int, error) {
	c.setState(AwaitingBatch)
	batch, err := c.dataLoader.NextBatch(ctx)
	if err != nil {
		return 0, NewStepError(AwaitingBatch, "", err)
	}

	// Generation must not run with weights staler than the configured bound. Forcing a
	// synchronization here keeps async stepping correct even when the sync policy is
	// interval-based.
	c.setState(Generating)
	if c.options.WeightSyncPolicy != configuration.SyncDisabled && c.RolloutStaleness() > c.options.MaxPolicyStaleness {
		if err = c.syncWeights(ctx); err != nil {
			return 0, NewStepError(Generating, types.RolloutRole, err)
		}
	}

	batch, err = c.invokeGroup(ctx, Generating, types.RolloutRole, worker.MethodGenerate, batch,
		worker.WithStep(step))
	if err != nil {
		return 0, err
	}

	// The scoring chain keeps the batch sharded: the generation output is split back into
	// the rollout group's shards, and each scoring group reshards from its predecessor's
	// data-parallel degree to its own. Per-sample alignment is preserved throughout.
	c.setState(Scoring)
	sourceLayout := c.layoutFor(types.RolloutRole)
	shards, err := data.Split(batch, sourceLayout.DataParallel, data.ContiguousSplit)
	if err != nil {
		return 0, NewStepError(Scoring, types.RolloutRole, err)
	}

	if c.options.ReferenceEnabled {
		shards, sourceLayout, err = c.invokeGroupShards(ctx, Scoring, types.ReferenceRole,
			worker.MethodComputeLogProbs, shards, sourceLayout, worker.WithStep(step))
		if err != nil {
			return 0, err
		}
	}

	if c.options.CriticEnabled {
		shards, sourceLayout, err = c.invokeGroupShards(ctx, Scoring, types.CriticRole,
			worker.MethodComputeValues, shards, sourceLayout, worker.WithStep(step))
		if err != nil {
			return 0, err
		}
	}

	shards, _, err = c.invokeGroupShards(ctx, Scoring, types.RewardModelRole,
		worker.MethodComputeRewards, shards, sourceLayout, worker.WithStep(step))
	if err != nil {
		return 0, err
	}

	batch = data.Merge(shards)

	c.setState(ComputingAdvantages)
	applyKlPenalty(batch, c.options.KlCoefficient)
	if err = c.estimator.EstimateAdvantages(batch); err != nil {
		return 0, NewStepError(ComputingAdvantages, "", err)
	}

	// Update invocations only stage gradient steps on the engines. Weights move when the
	// commit broadcast runs, and the commit runs only after every staging invocation of the
	// step has succeeded on every group, so a mid-step failure leaves the actor and critic
	// at their pre-step weights.
	c.setState(Updating)
	if err = c.stageUpdates(ctx, batch, step); err != nil {
		c.discardStagedUpdates(ctx, step)
		return 0, err
	}

	if err = c.commitUpdates(ctx, step); err != nil {
		c.discardStagedUpdates(ctx, step)
		return 0, err
	}

	// The step commits here: the policy version advances and the step counter moves.
	c.mu.Lock()
	c.step = step
	c.policyVersion++
	c.mu.Unlock()

	if c.shouldSync(step) {
		if err = c.syncWeights(ctx); err != nil {
			return 0, NewStepError(Synced, types.RolloutRole, err)
		}
	}

	c.setState(Synced)

	if c.checkpointer.ShouldCheckpoint(step) {
		c.mu.Lock()
		checkpoint := &Checkpoint{
			DriverID:       c.id,
			Step:           c.step,
			PolicyVersion:  c.policyVersion,
			RolloutVersion: c.rolloutVersion,
			CompletedAt:    time.Now(),
		}
		c.mu.Unlock()

		if err = c.checkpointer.Save(ctx, checkpoint); err != nil {
			// Checkpoint failures do not undo a committed step. Log and continue.
			c.log.Warn("Failed to persist checkpoint for step %d: %v", step, err)
		}
	}

	return batch.Len(), nil
}

// Run executes the configured number of training steps, retrying failed steps up to the
// configured bound. Exhausting the retries aborts the run and releases every resource pool.
func (c *Controller) Run(ctx context.Context) error {
	completed := 0
	retries := 0

	for completed < c.options.NumSteps {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.RunStep(ctx)
		if err == nil {
			completed++
			retries = 0
			continue
		}

		if errors.Is(err, ErrControllerAborted) {
			return err
		}

		retries++
		c.log.Warn("Training step failed (attempt %d of %d): %v",
			retries, c.options.MaxStepRetries+1, err)

		if retries > c.options.MaxStepRetries {
			c.Abort()
			return errors.Wrapf(ErrStepRetriesExceeded, "step %d failed %d time(s): %v",
				completed+1, retries, err)
		}
	}

	return nil
}

// Abort permanently stops the controller, closing every worker group and returning every
// unit to the allocator. A controller cannot run further steps after aborting.
func (c *Controller) Abort() {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	c.state = Aborted
	c.mu.Unlock()

	c.log.Warn("Aborting training run %s at step %d.", c.id, c.Step())

	c.teardownGroups()

	if err := c.allocator.ReleaseAll(); err != nil {
		c.log.Error("Failed to release all resource pools during abort: %v", err)
	}

	c.publishOccupancy()
}

// Shutdown releases the controller's worker groups and pools after a completed run.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.provisioned = false
	c.mu.Unlock()

	c.teardownGroups()

	if err := c.allocator.ReleaseAll(); err != nil {
		c.log.Error("Failed to release all resource pools during shutdown: %v", err)
	}

	c.publishOccupancy()
}

func (c *Controller) teardownGroups() {
	for tuple := range c.groups.IterBuffered() {
		tuple.Val.Close()

		if err := c.allocator.Release(tuple.Val.Pool()); err != nil && !errors.Is(err, cluster.ErrPoolAlreadyReleased) {
			c.log.Error("Failed to release pool for role \"%s\": %v", tuple.Key, err)
		}

		c.groups.Remove(tuple.Key)

		if c.metricsManager != nil {
			_ = c.metricsManager.SetActiveWorkers(tuple.Key, 0)
		}
	}
}
