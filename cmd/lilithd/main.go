package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lilith-daemons/internal/commands"
	"github.com/lilith-daemons/internal/config"
	"github.com/lilith-daemons/internal/jsonrpc"
	"github.com/lilith-daemons/internal/logging"
	"github.com/lilith-daemons/internal/maintenance"
	"github.com/lilith-daemons/internal/media"
	"github.com/lilith-daemons/internal/ota"
	"github.com/lilith-daemons/internal/radio"
	"github.com/lilith-daemons/internal/supervisor"
	"github.com/lilith-daemons/internal/update"
	"github.com/lilith-daemons/internal/whisper"
)

// version is overridden at link time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		devMode     bool
		showVersion bool
		issueToken  string
		tokenTTL    time.Duration
	)

	flags := pflag.NewFlagSet("lilithd", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	flags.BoolVar(&devMode, "dev", false, "serve the status API on the development port")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	flags.StringVar(&issueToken, "issue-token", "", "print a maintenance token for `subject` and exit")
	flags.DurationVar(&tokenTTL, "token-ttl", time.Hour, "lifetime of tokens printed by --issue-token")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("lilithd %s\n", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if devMode {
		cfg.Network.HTTP.DevMode = true
	}

	if issueToken != "" {
		if cfg.Network.Maintenance.TokenSecret == "" {
			return fmt.Errorf("no maintenance token secret configured")
		}
		token, err := maintenance.IssueToken(cfg.Network.Maintenance.TokenSecret, issueToken, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	loggers, err := openLoggers(cfg)
	if err != nil {
		return err
	}
	defer loggers.close()
	log := loggers.supervisor
	log.Infof("Starting lilithd %s", version)

	updates, err := newUpdateManager(cfg, loggers.update)
	if err != nil {
		return err
	}

	sim := radio.NewSim(nil)
	sim.SetResponder(radio.EchoHandshakes)
	defer sim.Close()

	engine, err := newWhisperEngine(cfg, sim, loggers.whisper)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(updates, engine, log, nil, supervisor.Options{
		StatusInterval: cfg.StatusInterval(),
		StopTimeout:    cfg.StopTimeout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	target := commands.Target{Supervisor: sup, Radio: sim, ResetBlackout: cfg.RadioResetBlackout()}
	statusServer := jsonrpc.NewServer(cfg, target, log)
	maintenanceServer := maintenance.NewServer(cfg, target, log)

	serveErr := make(chan error, 2)
	go func() {
		if err := statusServer.ListenAndServe(); err != nil {
			serveErr <- fmt.Errorf("status server: %w", err)
		}
	}()
	go func() {
		log.Infof("Starting maintenance TCP server on port %d", cfg.Network.Maintenance.Port)
		if err := maintenanceServer.ListenAndServe(); err != nil {
			serveErr <- fmt.Errorf("maintenance server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Infof("Shutting down")
	case runErr = <-serveErr:
		log.Errorf("Shutting down: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout())
	defer cancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Status server shutdown: %v", err)
	}
	if err := maintenanceServer.Close(); err != nil {
		log.Warnf("Maintenance server close: %v", err)
	}
	if err := sup.Stop(); err != nil {
		log.Warnf("Supervisor stop: %v", err)
	}

	log.Infof("Stopped")
	return runErr
}

type daemonLoggers struct {
	update     *logging.Logger
	whisper    *logging.Logger
	supervisor *logging.Logger
}

func openLoggers(cfg *config.Config) (*daemonLoggers, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	opts := logging.Options{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Console:    cfg.Logging.Console,
		Level:      level,
	}

	l := &daemonLoggers{}
	if l.update, err = logging.Open(cfg.Paths.LogDir, "update.log", "LilithUpdateDaemon", opts); err != nil {
		return nil, err
	}
	if l.whisper, err = logging.Open(cfg.Paths.LogDir, "whisper.log", "LilithBLEWhisperer", opts); err != nil {
		l.close()
		return nil, err
	}
	if l.supervisor, err = logging.Open(cfg.Paths.LogDir, "supervisor.log", "LilithSupervisor", opts); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

func (l *daemonLoggers) close() {
	for _, log := range []*logging.Logger{l.update, l.whisper, l.supervisor} {
		if log != nil {
			log.Close()
		}
	}
}

func newUpdateManager(cfg *config.Config, log *logging.Logger) (*update.Manager, error) {
	var (
		fetcher update.Fetcher
		probe   ota.Probe
	)
	if cfg.Update.OTAEndpoint != "" {
		client, err := ota.NewClient(cfg.OTATimeout())
		if err != nil {
			return nil, err
		}
		fetcher = client
		probe = ota.NewHTTPProbe(client.HTTPClient(), cfg.Update.OTAEndpoint, cfg.OTATimeout())
	} else {
		log.Infof("No OTA endpoint configured; removable media only")
	}

	return update.NewManager(update.OptionsFromConfig(cfg), media.NewDir(cfg.Paths.MediaDir), fetcher, probe, log, nil)
}

func newWhisperEngine(cfg *config.Config, r radio.Radio, log *logging.Logger) (*whisper.Engine, error) {
	cipher, err := whisper.CipherByName(cfg.Whisper.Cipher)
	if err != nil {
		return nil, err
	}

	var store *whisper.Store
	if cfg.Whisper.PersistDevices {
		if err := os.MkdirAll(cfg.Paths.WhisperDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", cfg.Paths.WhisperDir, err)
		}
		store = whisper.NewStore(filepath.Join(cfg.Paths.WhisperDir, "devices.db"))
	}

	opts := whisper.OptionsFromConfig(cfg)
	opts.OnData = func(address string, payload []byte) {
		log.Infof("Received %d bytes from %s", len(payload), address)
	}
	return whisper.NewEngine(opts, r, cipher, store, log, nil)
}
