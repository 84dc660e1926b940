package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/internal/config"
	"github.com/always-cache/offline-cache/internal/server"
	"github.com/always-cache/offline-cache/internal/telemetry"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	cacheVersionFlag   string
	providerFlag       string
	dbFilenameFlag     string
	codecFlag          string
	hotFlag            bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file (reloaded on change)")
	flag.StringVar(&originFlag, "origin", "", "Public URL of the site")
	flag.StringVar(&addrFlag, "addr", "", "Origin address to connect to, if not the origin host")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin for TLS negotiation")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Version tag of the cache generation")
	flag.StringVar(&providerFlag, "provider", "", "Store provider: memory, sqlite, redis or bigcache")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&codecFlag, "codec", "", "Entry codec: msgpack or cbor")
	flag.BoolVar(&hotFlag, "hot", false, "Keep recently read entries in memory")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// loadConfig reads the config file and environment, then applies the flags
// given on the command line.
func loadConfig() (config.Config, error) {
	c, err := config.Load(configFilenameFlag)
	if err != nil {
		return c, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			c.Origin = originFlag
		case "addr":
			c.Addr = addrFlag
		case "host":
			c.Host = hostFlag
		case "port":
			c.Port = portFlag
		case "cache-version":
			c.Version = cacheVersionFlag
		case "provider":
			c.Store.Provider = providerFlag
		case "db":
			c.Store.SQLitePath = dbFilenameFlag
		case "codec":
			c.Codec = codecFlag
		case "hot":
			c.Store.Hot = hotFlag
		}
	})
	return c, c.Validate()
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "offline-cache", version)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up tracing")
	}
	defer shutdownTracing(context.Background())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	originURL, _ := cfg.OriginURL()

	registry, err := cfg.Store.Open(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Store.Provider).Msg("Could not open store registry")
	}

	host, err := offlinecache.NewHost(offlinecache.HostConfig{
		Registry:  registry,
		OriginURL: originURL,
		Transport: offlinecache.NewUpstreamTransport(originURL, cfg.Addr, cfg.Host, nil),
		Logger:    &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create host")
	}

	register := func(ctx context.Context, c config.Config) error {
		wc, err := c.Worker()
		if err != nil {
			return err
		}
		return host.Register(ctx, wc)
	}
	if err := register(ctx, cfg); err != nil {
		// keep serving; requests go to the network until a generation installs
		log.Error().Err(err).Msg("Initial install failed")
	}

	// a changed config file (e.g. a version bump) installs a new generation
	if configFilenameFlag != "" {
		configs, err := config.Watch(ctx, configFilenameFlag, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not watch config file")
		}
		go func() {
			for c := range configs {
				if err := register(ctx, c); err != nil {
					log.Error().Err(err).Msg("Could not install new configuration")
				}
			}
		}()
	}

	reload := func(ctx context.Context) (offlinecache.Config, error) {
		c, err := loadConfig()
		if err != nil {
			return offlinecache.Config{}, err
		}
		return c.Worker()
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.New(host, reload, log.Logger),
	}
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	log.Info().Msgf("Serving %s on port %d (upstream '%s', hostname '%s')", originURL.String(), cfg.Port, cfg.Addr, cfg.Host)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-idle

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := host.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("Could not flush cache writes")
	}
	log.Info().Msg("Stopped")
}
