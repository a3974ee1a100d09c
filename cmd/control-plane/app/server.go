// Package app wires up and runs the control-plane process: the
// relational store, validator, publisher, ACME challenge contract, the
// certificate-expiry sweep, and the HTTP API.
package app

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/meshrelay/gateway/pkg/controlplane/certsweep"
	"github.com/meshrelay/gateway/pkg/controlplane/publisher"
	"github.com/meshrelay/gateway/pkg/controlplane/server"
	"github.com/meshrelay/gateway/pkg/controlplane/store"
	"github.com/meshrelay/gateway/pkg/controlplane/validator"
	"github.com/meshrelay/gateway/pkg/util/bootstrap"
	"github.com/meshrelay/gateway/pkg/util/envconfig"
	logutils "github.com/meshrelay/gateway/pkg/util/log"
	"github.com/meshrelay/gateway/pkg/util/runnable"
)

const (
	defaultLogLevel       = "info"
	defaultListenAddr     = ":9000"
	defaultMetricsAddr    = ":9001"
	defaultDatabaseURL    = "gateway-controlplane.db"
	defaultCertsDir       = "/var/lib/gateway/certs"
	defaultCertSweepCron  = "0 * * * *"
	defaultHTTPPortRange  = "10000-19999"
	defaultHTTPSPortRange = "20000-29999"
)

// Options contains everything necessary to create and run the control
// plane. Flags are a secondary override path; the corresponding
// environment variables are the primary configuration surface.
type Options struct {
	ListenAddr    string
	MetricsAddr   string
	DatabaseURL   string
	CertsDir      string
	CertSweepCron string

	HTTPPortRange  string
	HTTPSPortRange string

	LogLevel            string
	LogFile             string
	BootstrapConfigFile string
}

// AddFlags adds flags to fs and binds them to options.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ListenAddr, "listen-addr", envconfig.String("LISTEN_ADDR", defaultListenAddr),
		"Address the control-plane HTTP API listens on.")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", envconfig.String("METRICS_ADDR", defaultMetricsAddr),
		"Address the Prometheus /metrics endpoint listens on.")
	fs.StringVar(&o.DatabaseURL, "database-url", envconfig.String("DATABASE_URL", defaultDatabaseURL),
		"SQLite database URL or path. A \"modernc:\" prefix selects the pure-Go driver.")
	fs.StringVar(&o.CertsDir, "certs-dir", envconfig.String("CERTS_DIR", defaultCertsDir),
		"Directory certificates are mirrored to as PEM files.")
	fs.StringVar(&o.CertSweepCron, "cert-sweep-cron", envconfig.String("CERT_SWEEP_CRON", defaultCertSweepCron),
		"Cron schedule for the certificate-expiry sweep.")
	fs.StringVar(&o.HTTPPortRange, "http-port-range", envconfig.String("HTTP_PORT_RANGE", defaultHTTPPortRange),
		"Inclusive \"low-high\" port range http listeners must fall within. Empty disables the check.")
	fs.StringVar(&o.HTTPSPortRange, "https-port-range", envconfig.String("HTTPS_PORT_RANGE", defaultHTTPSPortRange),
		"Inclusive \"low-high\" port range https listeners must fall within. Empty disables the check.")
	fs.StringVar(&o.LogFile, "log-file", envconfig.String("LOG_FILE", ""),
		"Path to a file where logs will be written. If not specified, logs will be printed to stderr.")
	fs.StringVar(&o.LogLevel, "log-level", envconfig.String("LOG_LEVEL", defaultLogLevel),
		"The log level. One of fatal, error, warn, info, debug.")
	fs.StringVar(&o.BootstrapConfigFile, "bootstrap-config-file", envconfig.String("BOOTSTRAP_CONFIG_FILE", ""),
		"Optional local file; each change to it re-applies LOG_LEVEL from this process's environment "+
			"(the file's contents are not read). The proxy configuration itself is never file-watched.")
}

// Run starts the control plane and blocks until it exits.
func (o *Options) Run() error {
	logFile, err := logutils.Set(o.LogLevel, o.LogFile)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	watcher, err := bootstrap.Watch(o.BootstrapConfigFile, func() {
		if _, err := logutils.Set(envconfig.String("LOG_LEVEL", o.LogLevel), o.LogFile); err != nil {
			logrus.WithError(err).Warn("failed to reload log level from bootstrap config file")
		}
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	s, err := store.Open(o.DatabaseURL)
	if err != nil {
		return err
	}
	defer s.Close()

	httpLow, httpHigh, err := envconfig.ParsePortRange(o.HTTPPortRange)
	if err != nil {
		return err
	}
	httpsLow, httpsHigh, err := envconfig.ParsePortRange(o.HTTPSPortRange)
	if err != nil {
		return err
	}

	opts := validator.Options{
		HTTPPortRange:  validator.PortRange{Low: httpLow, High: httpHigh},
		HTTPSPortRange: validator.PortRange{Low: httpsLow, High: httpsHigh},
	}
	pub := publisher.New(s, opts)

	sweeper, err := certsweep.New(s, o.CertsDir, o.CertSweepCron)
	if err != nil {
		return err
	}

	apiServer := server.New(pub, s)
	metrics := newMetricsServer()

	mgr := runnable.NewManager()
	mgr.AddServer(o.ListenAddr, apiServer)
	mgr.AddServer(o.MetricsAddr, metrics)
	mgr.Add(newSweeperInstance(sweeper))

	return mgr.Run()
}

// NewCommand creates a *cobra.Command for the control-plane binary.
func NewCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:          "control-plane",
		Long:         "control-plane: curates the versioned configuration consumed by data-plane nodes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run()
		},
	}

	opts.AddFlags(cmd.Flags())

	return cmd
}
