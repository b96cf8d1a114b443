package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/OpenBMB/RLPR/common/cluster"
	"github.com/OpenBMB/RLPR/common/configuration"
	"github.com/OpenBMB/RLPR/common/metrics"
	"github.com/OpenBMB/RLPR/common/utils"
	"github.com/OpenBMB/RLPR/common/worker"
	"github.com/OpenBMB/RLPR/driver/internal"
)

var (
	options      = configuration.DriverOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.PrometheusPort = 8089
	options.SimulateTrainingUsingSleep = true
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	if yamlPath := os.Getenv("DRIVER_CONFIG_YAML"); yamlPath != "" {
		if err := configuration.LoadDriverOptionsYaml(yamlPath, &options); err != nil {
			log.Fatal(err)
		}
	}

	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

func main() {
	defer finalize(false, "Main thread")

	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the training driver with the following options:\n%s\n",
			options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the training driver.")
	}

	driverId := uuid.NewString()

	var metricsManager *metrics.DriverPrometheusManager
	if !options.DisablePrometheusMetricsPublishing {
		metricsManager = metrics.NewDriverPrometheusManager(options.PrometheusPort, driverId)
		if err := metricsManager.Start(); err != nil {
			globalLogger.Error(utils.RedStyle.Render("Failed to start the Prometheus manager: %v"), err)
			os.Exit(1)
		}
	}

	nodeSpecs := make([]cluster.NodeSpec, 0, options.NumNodes)
	for i := 0; i < options.NumNodes; i++ {
		nodeSpecs = append(nodeSpecs, cluster.NodeSpec{
			Name:             fmt.Sprintf("node%d", i),
			NumUnits:         options.UnitsPerNode,
			MillicpusPerUnit: float64(options.MillicpusPerUnit),
			MemoryMbPerUnit:  float64(options.MemoryMbPerUnit),
		})
	}

	topology, err := cluster.NewTopology(nodeSpecs...)
	if err != nil {
		globalLogger.Error(utils.RedStyle.Render("Failed to construct the cluster topology: %v"), err)
		os.Exit(1)
	}

	allocator := cluster.NewAllocator(topology, cluster.PlacerForPolicy(options.PlacementPolicy))

	globalLogger.Info("Cluster topology: %d node(s), %d unit(s) total.",
		topology.NumNodes(), topology.NumUnits())

	if !options.SimulateTrainingUsingSleep {
		globalLogger.Error("Only simulated training engines are available in this build.")
		os.Exit(1)
	}

	computeDelay := time.Duration(options.SimulatedComputeDelayMillis) * time.Millisecond
	invoker := worker.NewLocalInvoker(
		worker.SimulatedEngineFactory(options.ResponseLength, computeDelay), 1)

	estimator, err := internal.EstimatorForName(options.AdvantageEstimator, options.DiscountGamma, options.GaeLambda)
	if err != nil {
		globalLogger.Error(utils.RedStyle.Render("Failed to resolve the advantage estimator: %v"), err)
		os.Exit(1)
	}

	var checkpointer *internal.Checkpointer
	if options.CheckpointInterval > 0 {
		atom := zap.NewAtomicLevelAt(zap.InfoLevel)
		provider, providerErr := internal.ProviderForOptions(&options, &atom)
		if providerErr != nil {
			globalLogger.Error(utils.RedStyle.Render("Failed to construct the checkpoint storage provider: %v"), providerErr)
			os.Exit(1)
		}

		if providerErr = provider.Connect(); providerErr != nil {
			globalLogger.Error(utils.RedStyle.Render("Failed to connect to checkpoint storage: %v"), providerErr)
			os.Exit(1)
		}
		defer func() {
			_ = provider.Close()
		}()

		checkpointer = internal.NewCheckpointer(provider, options.CheckpointInterval)
	}

	dataLoader := internal.NewSyntheticDataLoader(options.BatchSize, 4)

	controller := internal.NewController(
		&options, allocator, invoker, dataLoader, estimator, checkpointer, metricsManager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-sig
		globalLogger.Info("Shutting down...")
		cancel()
	}()

	if err = controller.Provision(ctx); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Failed to provision worker groups: %v"), err)
		os.Exit(1)
	}

	globalLogger.Info(utils.GreenStyle.Render("Provisioned all worker groups. %s"), allocator.Snapshot())

	runStarted := time.Now()
	if err = controller.Run(ctx); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Training run failed after %s: %v"), time.Since(runStarted), err)
		controller.Abort()
		os.Exit(1)
	}

	globalLogger.Info(utils.GreenStyle.Render("Training run completed: %d step(s) in %s (policy version %d)."),
		controller.Step(), time.Since(runStarted), controller.PolicyVersion())

	controller.Shutdown()

	if metricsManager != nil {
		_ = metricsManager.Stop()
	}
}

func finalize(fix bool, identity string) {
	if !fix {
		return
	}

	log.Printf("[WARNING] Finalize called with fix=%v and identity=\"%s\"\n", fix, identity)

	if err := recover(); err != nil {
		globalLogger.Error("Called recover() and retrieved the following error: %v", err)
		debug.PrintStack()
	}

	sig <- syscall.SIGINT
}
