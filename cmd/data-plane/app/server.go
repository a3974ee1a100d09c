// Package app wires up and runs the data-plane process: the pre-bound
// listener range, TLS resolver, reconciler, request dispatcher, and
// heartbeat emitter.
package app

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/meshrelay/gateway/pkg/dataplane/cache"
	"github.com/meshrelay/gateway/pkg/dataplane/heartbeat"
	"github.com/meshrelay/gateway/pkg/dataplane/listener"
	"github.com/meshrelay/gateway/pkg/dataplane/reconciler"
	dpserver "github.com/meshrelay/gateway/pkg/dataplane/server"
	"github.com/meshrelay/gateway/pkg/dataplane/tlsresolver"
	"github.com/meshrelay/gateway/pkg/util/envconfig"
	logutils "github.com/meshrelay/gateway/pkg/util/log"
	"github.com/meshrelay/gateway/pkg/util/runnable"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultLogLevel                = "info"
	defaultControlPlaneURL         = "http://127.0.0.1:9000"
	defaultMetricsAddr             = ":9101"
	defaultPollIntervalSecs        = 5
	defaultHeartbeatIntervalSecs   = 10
	defaultHealthCheckIntervalSecs = 10
	defaultHealthCheckTimeoutMS    = 2000
	defaultHTTPPortRange           = "10000-19999"
	defaultHTTPSPortRange          = "20000-29999"
	defaultCacheFile               = "gateway-dataplane-cache.db"
)

// Options contains everything necessary to create and run a data-plane
// node. Flags are a secondary override path; the corresponding
// environment variables are the primary configuration surface.
type Options struct {
	NodeID          string
	ControlPlaneURL string
	MetricsAddr     string
	CacheFile       string

	PollIntervalSecs              int
	HeartbeatIntervalSecs         int
	DefaultHealthCheckIntervalSec int
	DefaultHealthCheckTimeoutMS   int

	HTTPPortRange  string
	HTTPSPortRange string

	LogLevel string
	LogFile  string
}

// AddFlags adds flags to fs and binds them to options.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.NodeID, "node-id", envconfig.String("NODE_ID", uuid.NewString()),
		"This node's identifier, reported on every heartbeat.")
	fs.StringVar(&o.ControlPlaneURL, "control-plane-url", envconfig.String("CONTROL_PLANE_URL", defaultControlPlaneURL),
		"Base URL of the control plane's HTTP API.")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", envconfig.String("METRICS_ADDR", defaultMetricsAddr),
		"Address the Prometheus /metrics endpoint listens on.")
	fs.StringVar(&o.CacheFile, "cache-file", envconfig.String("CACHE_FILE", defaultCacheFile),
		"Path to the local durable cache of the last successfully applied snapshot.")
	fs.IntVar(&o.PollIntervalSecs, "poll-interval-secs", envconfig.Int("POLL_INTERVAL_SECS", defaultPollIntervalSecs),
		"How often to poll the control plane for the published snapshot.")
	fs.IntVar(&o.HeartbeatIntervalSecs, "heartbeat-interval-secs",
		envconfig.Int("HEARTBEAT_INTERVAL_SECS", defaultHeartbeatIntervalSecs),
		"How often to report liveness to the control plane.")
	fs.IntVar(&o.DefaultHealthCheckIntervalSec, "health-check-interval-secs",
		envconfig.Int("HEALTH_CHECK_INTERVAL_SECS", defaultHealthCheckIntervalSecs),
		"Fallback health-check probe interval for pools that do not set one.")
	fs.IntVar(&o.DefaultHealthCheckTimeoutMS, "health-check-timeout-ms",
		envconfig.Int("HEALTH_CHECK_TIMEOUT_MS", defaultHealthCheckTimeoutMS),
		"Fallback health-check probe timeout for pools that do not set one.")
	fs.StringVar(&o.HTTPPortRange, "http-port-range", envconfig.String("HTTP_PORT_RANGE", defaultHTTPPortRange),
		"Inclusive \"low-high\" pre-bound port range for HTTP listeners. Empty disables pre-binding.")
	fs.StringVar(&o.HTTPSPortRange, "https-port-range", envconfig.String("HTTPS_PORT_RANGE", defaultHTTPSPortRange),
		"Inclusive \"low-high\" pre-bound port range for HTTPS listeners. Empty disables pre-binding.")
	fs.StringVar(&o.LogFile, "log-file", envconfig.String("LOG_FILE", ""),
		"Path to a file where logs will be written. If not specified, logs will be printed to stderr.")
	fs.StringVar(&o.LogLevel, "log-level", envconfig.String("LOG_LEVEL", defaultLogLevel),
		"The log level. One of fatal, error, warn, info, debug.")
}

// Run starts the data-plane node and blocks until it exits.
func (o *Options) Run() error {
	logFile, err := logutils.Set(o.LogLevel, o.LogFile)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	httpRange, err := listener.ParseRange(o.HTTPPortRange)
	if err != nil {
		return err
	}
	httpsRange, err := listener.ParseRange(o.HTTPSPortRange)
	if err != nil {
		return err
	}

	listeners := listener.New(httpRange, httpsRange)
	if err := listeners.Bind(); err != nil {
		return err
	}
	defer listeners.Close()

	snapshotCache, err := cache.Open(o.CacheFile)
	if err != nil {
		return err
	}
	defer snapshotCache.Close()

	resolver := tlsresolver.New()

	rec := reconciler.New(reconciler.Config{
		ControlPlaneURL:             o.ControlPlaneURL,
		PollInterval:                time.Duration(o.PollIntervalSecs) * time.Second,
		DefaultHealthCheckInterval:  o.DefaultHealthCheckIntervalSec,
		DefaultHealthCheckTimeoutMS: o.DefaultHealthCheckTimeoutMS,
	}, listeners, resolver, nil, snapshotCache)

	dispatcher := dpserver.New(rec, listeners)
	rec.SetDispatcher(dispatcher)
	rec.RestoreFromCache()

	emitter := heartbeat.New(o.ControlPlaneURL, o.NodeID,
		time.Duration(o.HeartbeatIntervalSecs)*time.Second, nil, rec.AppliedVersion)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	mgr := runnable.NewManager()
	mgr.AddServer(o.MetricsAddr, runnable.NewHTTPServer("dataplane-metrics", metricsMux))
	mgr.Add(newReconcilerInstance(rec))
	mgr.Add(newHeartbeatInstance(emitter))

	return mgr.Run()
}

// NewCommand creates a *cobra.Command for the data-plane binary.
func NewCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:          "data-plane",
		Long:         "data-plane: reconciles live forwarding state against the latest published configuration",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run()
		},
	}

	opts.AddFlags(cmd.Flags())

	return cmd
}
