package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenBMB/RLPR/common/utils"
)

var (
	ErrPrometheusManagerAlreadyRunning = errors.New("PrometheusManager is already running")
	ErrPrometheusManagerNotRunning     = errors.New("PrometheusManager is not running")
	ErrMetricsNotInitialized           = errors.New("the metrics provider has not been initialized yet")
)

// basePrometheusManager contains the state and HTTP infrastructure shared by Prometheus
// managers. Metric creation and registration live with the concrete manager, which assigns
// the initializeInstanceMetrics field from its constructor.
type basePrometheusManager struct {
	log logger.Logger

	prometheusHandler http.Handler
	engine            *gin.Engine
	httpServer        *http.Server

	// initializeInstanceMetrics is assigned by the concrete manager to create and register
	// its metrics the first time Start is called.
	initializeInstanceMetrics func() error

	driverId string

	port int
	mu   sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving            bool
	metricsInitialized bool
}

func newBasePrometheusManager(port int, driverId string) *basePrometheusManager {
	manager := &basePrometheusManager{
		port:              port,
		prometheusHandler: promhttp.Handler(),
		driverId:          driverId,
		serving:           false,
	}
	config.InitLogger(&manager.log, manager)
	return manager
}

// isRunningUnsafe returns true if the manager has been started and is serving metrics.
// This does not acquire the mutex and is intended for file-internal use only.
func (m *basePrometheusManager) isRunningUnsafe() bool {
	return m.serving
}

// IsRunning returns true if the manager has been started and is serving metrics.
func (m *basePrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.isRunningUnsafe()
}

// DriverId returns the driver ID associated with the metrics manager.
func (m *basePrometheusManager) DriverId() string {
	return m.driverId
}

// Start registers metrics with Prometheus and begins serving the metrics via an HTTP endpoint.
func (m *basePrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("PrometheusManager for driver %s is already running.", m.driverId)
		return ErrPrometheusManagerAlreadyRunning
	}

	if !m.metricsInitialized {
		if m.initializeInstanceMetrics == nil {
			panic("Base Prometheus Manager's `initializeInstanceMetrics` field cannot be nil when initializing metrics.")
		}

		if err := m.initializeInstanceMetrics(); err != nil {
			return err
		}

		m.metricsInitialized = true
	}

	m.serving = true
	m.initializeHttpServer()

	return nil
}

// Stop instructs the manager to shut down its HTTP server.
func (m *basePrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunningUnsafe() /* we already have the lock */ {
		m.log.Warn("PrometheusManager for driver %s is not running.", m.driverId)
		return ErrPrometheusManagerNotRunning
	}

	m.serving = false

	if m.httpServer == nil {
		return nil
	}

	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}

// HandleRequest handles Prometheus HTTP requests (when Prometheus is scraping for metrics).
func (m *basePrometheusManager) HandleRequest(c *gin.Context) {
	m.prometheusHandler.ServeHTTP(c.Writer, c.Request)
}

func (m *basePrometheusManager) initializeHttpServer() {
	m.engine = gin.New()

	if m.port <= 0 {
		m.log.Debug("Prometheus Port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/metrics", m.HandleRequest)

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
			panic(err)
		}
	}()
}
