package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"deskmail/pkg/apiclient"
	"deskmail/pkg/config"
	"deskmail/pkg/credential"
	"deskmail/pkg/discovery"
	"deskmail/pkg/launcher"
	"deskmail/pkg/log"
	"deskmail/pkg/models"
	"deskmail/pkg/server"
	"deskmail/pkg/session"
	"deskmail/pkg/store"
	"deskmail/pkg/ui/splash"
)

const logFilePerm = 0o600

//go:embed VERSION
var Version string

func main() {
	_ = log.Logger

	configPath := flag.String("config", config.DefaultPath(), "Configuration file path")
	headless := flag.Bool("headless", false, "Log discovery progress instead of showing the splash screen")
	initConfig := flag.Bool("init-config", false, "Write the default configuration file and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	if *initConfig {
		if err := config.Save(*configPath, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to write configuration")
		}
		log.Info().Str("config", *configPath).Msg("Configuration written")
		os.Exit(0)
	}

	if !log.SetLevel(cfg.LogLevel) {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, keeping info")
	}
	if *debug {
		log.SetDebugMode()
	}

	if err := run(cfg, *headless); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("Startup cancelled")
			os.Exit(0)
		}
		log.Fatal().Err(err).Msg("deskmail stopped")
	}

	os.Exit(0)
}

func run(cfg *config.Config, headless bool) error {
	version := strings.TrimSpace(Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ui *splash.Program
	if !headless {
		logPath := filepath.Join(filepath.Dir(cfg.StorePath), "deskmail.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer logFile.Close()
		log.SetQuiet(logFile)
		ui = splash.Start(ctx, "deskmail "+version, stop)
	}

	// interfaces stay nil when the keyring is unavailable
	var tokenGetter apiclient.TokenGetter
	var tokenStore launcher.TokenStore
	creds, err := credential.Open(cfg.KeyringService, config.DefaultDir())
	if err != nil {
		log.Warn().Err(err).Msg("Keyring unavailable, session token will be requested from the backend")
	} else {
		tokenGetter = creds
		tokenStore = creds
	}

	var sessionStore session.Store
	var history server.FlowHistory
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.StorePath).Msg("Session store unavailable, running without persistence")
	} else {
		defer db.Close()
		sessionStore = db
		history = db
	}

	var launchFailures <-chan models.LaunchFailure
	if cfg.Backend.Command != "" {
		backend := launcher.New(launcher.Config{
			Command:  cfg.Backend.Command,
			Args:     cfg.Backend.Args,
			PortFile: cfg.Backend.PortFile,
		}, tokenStore)
		if _, err := backend.Start(ctx); err != nil {
			return fmt.Errorf("launching backend: %w", err)
		}
		defer func() {
			if err := backend.Stop(); err != nil {
				log.Warn().Err(err).Msg("Backend did not stop cleanly")
			}
		}()
		launchFailures = backend.Failures()
	}

	var fallback models.Endpoint
	if cfg.Backend.FallbackURL != "" {
		fallback, err = models.NewEndpoint(cfg.Backend.FallbackURL)
		if err != nil {
			return fmt.Errorf("backend.fallback_url: %w", err)
		}
	}

	opts := discovery.Options{
		ProbeInterval:  cfg.Discovery.ProbeInterval,
		GracePeriod:    cfg.Discovery.GracePeriod,
		Timeout:        cfg.Discovery.Timeout,
		Fallback:       fallback,
		LaunchFailures: launchFailures,
	}
	if ui != nil {
		opts.Progress = ui.Update
	}

	finder := discovery.New(discovery.Resolver{
		PinnedURL:   cfg.Backend.URL,
		PortFile:    cfg.Backend.PortFile,
		DefaultPort: cfg.Backend.DefaultPort,
	}, discovery.NewProber(cfg.Discovery.ProbeTimeout), opts)

	status := server.NewStatusServer(version, finder)
	if history != nil {
		status.SetFlowHistory(history)
	}
	if err := status.Start(cfg.StatusAddr); err != nil {
		return err
	}
	defer func() {
		_ = status.Shutdown()
	}()

	var recovery *session.Recovery
	err = finder.Run(ctx, func(endpoint models.Endpoint) {
		client := apiclient.New(endpoint, apiclient.Options{
			RequestTimeout: cfg.API.RequestTimeout,
			RetryMax:       cfg.API.RetryMax,
			RetryWaitMin:   cfg.API.RetryWaitMin,
			RetryWaitMax:   cfg.API.RetryWaitMax,
			Tokens:         tokenGetter,
		})

		recovery = session.New(client, session.Options{
			PollInterval: cfg.Session.PollInterval,
			MaxAttempts:  cfg.Session.MaxAttempts,
			Store:        sessionStore,
			OnRecovered: func(accountID string) {
				log.Info().Str("account", accountID).Msg("Account reconnected")
				go func() {
					if err := status.Reload(ctx, accountID); err != nil {
						log.Warn().Err(err).Str("account", accountID).Msg("Could not reload account data")
					}
				}()
			},
		})
		// stored rows go in before any route can start a flow
		if err := recovery.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("Could not restore stored sessions")
		}
		status.Attach(client, recovery)
	})

	if ui != nil {
		if _, uiErr := ui.Stop(); uiErr != nil {
			log.Debug().Err(uiErr).Msg("Splash screen ended with error")
		}
	}

	if err != nil {
		var launchErr *discovery.ProcessLaunchError
		if errors.As(err, &launchErr) {
			fmt.Fprintf(os.Stderr, "The backend process failed to start:\n%s\n", launchErr.Diagnostic)
		} else if errors.Is(err, discovery.ErrDiscoveryTimeout) {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		return err
	}
	defer recovery.Close()

	loadAccounts(ctx, recovery)

	fmt.Fprintf(os.Stderr, "deskmail %s ready, control API on http://%s\n", version, status.Addr())

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

// loadAccounts starts tracking the backend's accounts.
func loadAccounts(ctx context.Context, recovery *session.Recovery) {
	accounts, err := recovery.LoadAccounts(ctx)
	if err != nil {
		if session.IsAuthExpired(err) {
			log.Warn().Err(err).Msg("Backend session expired while loading accounts")
			return
		}
		log.Warn().Err(err).Msg("Could not load accounts")
		return
	}

	for _, acc := range accounts {
		log.Info().Str("account", acc.ID).Str("email", acc.Email).Str("provider", acc.Provider).Msg("Account connected")
	}
}
