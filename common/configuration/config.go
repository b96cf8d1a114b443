package configuration

import (
	"os"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidTopology   = errors.New("topology configuration is invalid")
	ErrInvalidRoleLayout = errors.New("role layout configuration is invalid")
	ErrInvalidSyncPolicy = errors.New("weight synchronization policy configuration is invalid")
)

// CommonOptions includes configuration parameters that are common to every component of the
// training cluster, regardless of which role it serves.
type CommonOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	NumNodes                           int    `name:"num_nodes"                         json:"num_nodes"                         yaml:"num_nodes"                         description:"The number of nodes in the cluster."`
	UnitsPerNode                       int    `name:"units_per_node"                    json:"units_per_node"                    yaml:"units_per_node"                    description:"The number of accelerator units available on each node."`
	MillicpusPerUnit                   int    `name:"millicpus_per_unit"                json:"millicpus_per_unit"                yaml:"millicpus_per_unit"                description:"Millicpus paired with each accelerator unit."`
	MemoryMbPerUnit                    int    `name:"memory_mb_per_unit"                json:"memory_mb_per_unit"                yaml:"memory_mb_per_unit"                description:"Memory in megabytes paired with each accelerator unit."`
	PlacementPolicy                    string `name:"placement_policy"                  json:"placement_policy"                  yaml:"placement_policy"                  description:"The unit placement policy to use. Options are 'packed' and 'spread'."`
	PrometheusPort                     int    `name:"prometheus_port"                   json:"prometheus_port"                   yaml:"prometheus_port"                   description:"The port on which the driver serves Prometheus metrics. Default/suggested: 8089."`
	PrometheusInterval                 int    `name:"prometheus_interval"               json:"prometheus_interval"               yaml:"prometheus_interval"               description:"Frequency in seconds of how often to publish metrics to Prometheus."`
	DisablePrometheusMetricsPublishing bool   `name:"disable_prometheus_metrics_publishing" json:"disable_prometheus_metrics_publishing" yaml:"disable_prometheus_metrics_publishing" description:"If passed as true, then the goroutine that publishes Prometheus metrics on an interval will not be created."`
	SimulateTrainingUsingSleep         bool   `name:"simulate_training_using_sleep"     json:"simulate_training_using_sleep"     yaml:"simulate_training_using_sleep"     description:"Flag which informs the system whether to fabricate training outputs rather than drive real engines."`
	SimulatedComputeDelayMillis        int    `name:"simulated_compute_delay_millis"    json:"simulated_compute_delay_millis"    yaml:"simulated_compute_delay_millis"    description:"Per-invocation sleep in milliseconds applied by simulated engines."`

	// PrettyPrintOptions, when true, instructs the driver script to pretty-print the
	// DriverOptions struct when the program first begins running.
	PrettyPrintOptions bool `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options"`
}

// RoleLayoutOptions configures the worker group of a single role.
type RoleLayoutOptions struct {
	DataParallel     int `name:"data_parallel"     json:"data_parallel"     yaml:"data_parallel"     description:"Number of data-parallel replicas for this role."`
	ModelParallel    int `name:"model_parallel"    json:"model_parallel"    yaml:"model_parallel"    description:"Number of model-parallel shards per replica for this role."`
	PipelineParallel int `name:"pipeline_parallel" json:"pipeline_parallel" yaml:"pipeline_parallel" description:"Number of pipeline stages per replica for this role."`
}

// DriverOptions includes all configuration parameters consumed by the training driver.
type DriverOptions struct {
	CommonOptions `yaml:",inline" json:"common_options"`

	ActorLayout     RoleLayoutOptions `json:"actor_layout"     yaml:"actor_layout"`
	CriticLayout    RoleLayoutOptions `json:"critic_layout"    yaml:"critic_layout"`
	ReferenceLayout RoleLayoutOptions `json:"reference_layout" yaml:"reference_layout"`
	RewardLayout    RoleLayoutOptions `json:"reward_layout"    yaml:"reward_layout"`
	RolloutLayout   RoleLayoutOptions `json:"rollout_layout"   yaml:"rollout_layout"`

	NumSteps              int     `name:"num_steps"               json:"num_steps"               yaml:"num_steps"               description:"Total number of training steps to run before stopping."`
	BatchSize             int     `name:"batch_size"              json:"batch_size"              yaml:"batch_size"              description:"Number of prompts per training batch."`
	MicroBatchSize        int     `name:"micro_batch_size"        json:"micro_batch_size"        yaml:"micro_batch_size"        description:"Micro-batch size forwarded to engines during update methods. Zero disables micro-batching."`
	MaxStepRetries        int     `name:"max_step_retries"        json:"max_step_retries"        yaml:"max_step_retries"        description:"How many times a failed training step is retried before the run aborts."`
	CriticEnabled         bool    `name:"critic_enabled"          json:"critic_enabled"          yaml:"critic_enabled"          description:"Whether a critic worker group is provisioned and value estimates are computed."`
	ReferenceEnabled      bool    `name:"reference_enabled"       json:"reference_enabled"       yaml:"reference_enabled"       description:"Whether a reference-policy worker group is provisioned for KL penalties."`
	WeightSyncPolicy      string  `name:"weight_sync_policy"      json:"weight_sync_policy"      yaml:"weight_sync_policy"      description:"When rollout weights are refreshed from the actor. Options are 'every_step', 'interval', and 'disabled'."`
	WeightSyncInterval    int     `name:"weight_sync_interval"    json:"weight_sync_interval"    yaml:"weight_sync_interval"    description:"Steps between weight synchronizations when the policy is 'interval'."`
	MaxPolicyStaleness    int     `name:"max_policy_staleness"    json:"max_policy_staleness"    yaml:"max_policy_staleness"    description:"Maximum number of steps the rollout policy may lag the actor before generation blocks."`
	ResponseLength        int     `name:"response_length"         json:"response_length"         yaml:"response_length"         description:"Number of response tokens fabricated per sample when running simulated engines."`
	KlCoefficient         float64 `name:"kl_coefficient"          json:"kl_coefficient"          yaml:"kl_coefficient"          description:"Coefficient applied to the per-token KL penalty during reward shaping."`
	DiscountGamma         float64 `name:"discount_gamma"          json:"discount_gamma"          yaml:"discount_gamma"          description:"Discount factor used by the GAE advantage estimator."`
	GaeLambda             float64 `name:"gae_lambda"              json:"gae_lambda"              yaml:"gae_lambda"              description:"Lambda used by the GAE advantage estimator."`
	AdvantageEstimator    string  `name:"advantage_estimator"     json:"advantage_estimator"     yaml:"advantage_estimator"     description:"Advantage estimator to use. Options are 'gae' and 'grpo'."`
	CheckpointDirectory   string  `name:"checkpoint_directory"    json:"checkpoint_directory"    yaml:"checkpoint_directory"    description:"Directory (or key prefix) under which step checkpoints are persisted."`
	CheckpointInterval    int     `name:"checkpoint_interval"     json:"checkpoint_interval"     yaml:"checkpoint_interval"     description:"Steps between checkpoints. Zero disables checkpointing."`
	RemoteStorage         string  `name:"remote_storage"          json:"remote_storage"          yaml:"remote_storage"          description:"The type of remote storage used for checkpoints, one of 'local', 'redis', or 's3'."`
	RemoteStorageEndpoint string  `name:"remote-storage-endpoint" json:"remote-storage-endpoint" yaml:"remote-storage-endpoint" description:"Hostname of the remote storage. The checkpoint storage client will connect to this."`
	AwsRegion             string  `name:"aws_region"              json:"aws_region"              yaml:"aws_region"              description:"AWS region used when remote storage is 's3'."`
	S3Bucket              string  `name:"s3_bucket"               json:"s3_bucket"               yaml:"s3_bucket"               description:"S3 bucket used when remote storage is 's3'."`
}

// WeightSyncPolicy values accepted by DriverOptions.WeightSyncPolicy.
const (
	SyncEveryStep = "every_step"
	SyncInterval  = "interval"
	SyncDisabled  = "disabled"
)

func (opts *RoleLayoutOptions) validate() error {
	if opts.DataParallel < 1 || opts.ModelParallel < 1 || opts.PipelineParallel < 1 {
		return ErrInvalidRoleLayout
	}
	return nil
}

// Validate implements the config.Options interface so that flag parsing via
// config.ValidateOptions drives the full configuration check.
func (opts *DriverOptions) Validate() error {
	if err := opts.LoggerOptions.Validate(); err != nil {
		return err
	}

	return opts.ValidateDriverOptions()
}

// ValidateDriverOptions fills in defaults and rejects configurations that cannot describe a
// runnable cluster. It is called once from the driver's main after flag/yaml parsing.
func (opts *DriverOptions) ValidateDriverOptions() error {
	if opts.NumNodes < 1 || opts.UnitsPerNode < 1 {
		return errors.Wrapf(ErrInvalidTopology, "num_nodes=%d, units_per_node=%d", opts.NumNodes, opts.UnitsPerNode)
	}

	if opts.NumSteps <= 0 {
		opts.NumSteps = 1
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 8
	}

	if opts.ResponseLength <= 0 {
		opts.ResponseLength = 16
	}

	if opts.AdvantageEstimator == "" {
		opts.AdvantageEstimator = "gae"
	}

	if opts.DiscountGamma == 0 {
		opts.DiscountGamma = 1.0
	}

	if opts.GaeLambda == 0 {
		opts.GaeLambda = 0.95
	}

	layouts := []*RoleLayoutOptions{&opts.ActorLayout, &opts.RolloutLayout, &opts.RewardLayout}
	if opts.CriticEnabled {
		layouts = append(layouts, &opts.CriticLayout)
	}
	if opts.ReferenceEnabled {
		layouts = append(layouts, &opts.ReferenceLayout)
	}

	for _, layout := range layouts {
		if err := layout.validate(); err != nil {
			return err
		}
	}

	switch opts.WeightSyncPolicy {
	case "":
		opts.WeightSyncPolicy = SyncEveryStep
	case SyncEveryStep, SyncDisabled:
	case SyncInterval:
		if opts.WeightSyncInterval < 1 {
			return errors.Wrapf(ErrInvalidSyncPolicy, "weight_sync_interval=%d", opts.WeightSyncInterval)
		}
	default:
		return errors.Wrapf(ErrInvalidSyncPolicy, "weight_sync_policy=\"%s\"", opts.WeightSyncPolicy)
	}

	if opts.MaxPolicyStaleness < 0 {
		opts.MaxPolicyStaleness = 0
	}

	return nil
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent
// instead of json.Marshal.
func (opts *DriverOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *DriverOptions) Clone() *DriverOptions {
	clone := *opts
	return &clone
}

func (opts *DriverOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// LoadDriverOptionsYaml populates opts from the YAML file at the given path.
// Values set here can still be overridden by command-line flags, which are
// parsed afterwards.
func LoadDriverOptionsYaml(path string, opts *DriverOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open YAML configuration file \"%s\"", path)
	}
	defer func() {
		_ = f.Close()
	}()

	decoder := yaml.NewDecoder(f)
	if err = decoder.Decode(opts); err != nil {
		return errors.Wrapf(err, "failed to decode YAML configuration file \"%s\"", path)
	}

	return nil
}
