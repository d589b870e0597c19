// Package server assembles the application from its configuration and
// runs the enabled front-ends until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"awg-admin/internal/api"
	"awg-admin/internal/audit"
	"awg-admin/internal/auth"
	"awg-admin/internal/bot"
	"awg-admin/internal/config"
	"awg-admin/internal/pincode"
	"awg-admin/internal/provision"
	"awg-admin/internal/registry"
	"awg-admin/internal/web"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired components.
type App struct {
	cfg      *config.Config
	log      *logrus.Logger
	deriver  *pincode.Deriver
	recorder audit.Recorder
	service  *provision.Service
	web      *web.Server
}

// New builds every component the configuration asks for. It makes no
// network calls; the Telegram connection is opened by Run.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	backend, err := NewBackend(cfg, logger)
	if err != nil {
		return nil, err
	}

	recorder, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:      cfg,
		log:      logger,
		deriver:  pincode.NewDeriverWithConfig(time.Now, loc),
		recorder: recorder,
	}
	app.service = provision.NewService(backend, provision.Options{
		ServerHost: cfg.Server.IP,
		DNS:        cfg.DNSServers(),
		Location:   loc,
		Recorder:   recorder,
		Logger:     logger,
	})

	if cfg.RunsAPI() {
		app.web = web.NewServer(cfg.HTTP.Listen, app.handlers(), logger)
	}
	return app, nil
}

// NewBackend creates the registry backend selected by cfg.Backend.
func NewBackend(cfg *config.Config, logger logrus.FieldLogger) (registry.Backend, error) {
	switch cfg.Backend {
	case config.BackendAPI:
		backend, err := registry.NewAPIBackend(registry.APIOptions{
			URL:      cfg.API.URL,
			Password: cfg.API.Password,
			Timeout:  cfg.API.Timeout,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	case config.BackendFile:
		executor, err := registry.NewSSHExecutor(registry.SSHOptions{
			Host:           cfg.Server.IP,
			Port:           cfg.SSH.Port,
			User:           cfg.Server.User,
			Password:       cfg.Server.Password,
			Timeout:        cfg.SSH.Timeout,
			KnownHostsFile: cfg.SSH.KnownHosts,
		})
		if err != nil {
			return nil, err
		}
		backend, err := registry.NewFileBackend(executor, registry.FileOptions{
			Container:           cfg.WG.Container,
			Interface:           cfg.WG.Interface,
			ConfigPath:          cfg.WG.ConfigPath,
			ServerPublicKeyPath: cfg.WG.ServerPublicKeyPath,
			PSKPath:             cfg.WG.PSKPath,
			Subnet:              cfg.WG.Subnet,
			LocalKeygen:         cfg.WG.Keygen == "local",
			Logger:              logger,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func (a *App) handlers() web.Handlers {
	h := web.Handlers{
		VPN: api.NewVPNAPI(a.service, a.deriver, a.cfg.Pincode.RevealHint, a.log),
	}
	if a.cfg.AdminEnabled() {
		manager := auth.NewAuthManagerWithConfig(a.cfg.HTTP.JWTSecret, a.cfg.HTTP.AdminPasswordHash, a.cfg.HTTP.TokenTTL)
		h.Auth = api.NewAuthAPI(manager, a.log)
		h.Clients = api.NewClientAPI(a.service, a.log)
		h.Middleware = auth.NewAuthMiddleware(manager)
	}
	return h
}

// Service exposes the provisioning workflow to command-line tools.
func (a *App) Service() *provision.Service { return a.service }

// Deriver exposes the pincode deriver.
func (a *App) Deriver() *pincode.Deriver { return a.deriver }

// Close releases the journal.
func (a *App) Close() error { return a.recorder.Close() }

// Run re-drives live peer state, then serves the enabled front-ends until
// ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if applied, err := a.service.Reconcile(ctx); err != nil {
		a.log.WithError(err).Warn("Startup reconciliation failed")
	} else if applied > 0 {
		a.log.WithField("applied", applied).Info("Startup reconciliation re-applied peers")
	}

	var telegram *bot.Bot
	if a.cfg.RunsBot() {
		var err error
		telegram, err = bot.NewBot(a.cfg.Bot.Token, a.service, a.deriver, a.cfg.Pincode.RevealHint, a.log)
		if err != nil {
			return err
		}
	}
	if telegram == nil && a.web == nil {
		return errors.New("nothing to run: enable the bot or the HTTP API")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var running int
	done := make(chan error, 2)
	if a.web != nil {
		running++
		go func() { done <- a.web.Start() }()
	}
	if telegram != nil {
		running++
		go func() { done <- telegram.Run(ctx) }()
	}
	a.log.WithFields(logrus.Fields{"mode": a.cfg.Mode, "backend": a.service.BackendName()}).Info("Amnezia VPN admin started")

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-done:
		running--
	}

	a.log.Info("Shutting down")
	cancel()
	a.stopWeb()
	for ; running > 0; running-- {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *App) stopWeb() {
	if a.web == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.web.Stop(ctx); err != nil {
		a.log.WithError(err).Warn("HTTP shutdown did not complete")
	}
}
