// awg-admin issues AmneziaWG VPN clients through a Telegram bot and an
// HTTP API, gated by a time-derived pincode.
//
// By default it runs both front-ends. The one-shot flags (--print-pincode,
// --issue-token, --hash-password, --provision) perform a single task and
// exit.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"awg-admin/internal/audit"
	"awg-admin/internal/auth"
	"awg-admin/internal/config"
	"awg-admin/internal/logging"
	"awg-admin/internal/server"
	"awg-admin/internal/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		mode         string
		printPincode bool
		issueToken   bool
		hashPassword bool
		provisionFor string
	)

	flagSet := pflag.NewFlagSet("awg-admin", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the credentials properties file")
	flagSet.StringVar(&mode, "mode", config.ModeAll, "front-ends to run: bot, api or all")
	flagSet.BoolVar(&printPincode, "print-pincode", false, "print the current pincode and exit")
	flagSet.BoolVar(&issueToken, "issue-token", false, "print an admin API token and exit")
	flagSet.BoolVar(&hashPassword, "hash-password", false, "read a password from stdin, print its bcrypt hash and exit")
	flagSet.StringVar(&provisionFor, "provision", "", "provision a client for `NAME`, print its configuration and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if hashPassword {
		return runHashPassword(os.Stdin, os.Stdout)
	}

	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}
	cfg, err := config.Load(configPath, mode)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}

	if issueToken {
		return runIssueToken(cfg, os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if printPincode || provisionFor != "" {
		// Keep stdout clean for the printed result.
		if cfg.Log.File == "" {
			logger.SetOutput(os.Stderr)
		}
	}

	app, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close audit journal")
		}
	}()

	switch {
	case printPincode:
		info := app.Deriver().CurrentInfo()
		fmt.Printf("%s (%s)\n", info.Pincode, info.Timestamp)
		return nil
	case provisionFor != "":
		return runProvision(ctx, app, provisionFor, os.Stdout)
	}

	logger.WithFields(logrus.Fields{"config": configPath, "mode": cfg.Mode}).Info("Starting awg-admin")
	return app.Run(ctx)
}

func runHashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "http.admin_password_hash=%s\n", hash)
	return nil
}

func runIssueToken(cfg *config.Config, out io.Writer) error {
	if !cfg.AdminEnabled() {
		return errors.New("http.jwt_secret is not configured")
	}
	manager := auth.NewAuthManagerWithConfig(cfg.HTTP.JWTSecret, cfg.HTTP.AdminPasswordHash, cfg.HTTP.TokenTTL)
	token, expiresAt, err := manager.GenerateToken()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n# expires %s\n", token, expiresAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func runProvision(ctx context.Context, app *server.App, name string, out io.Writer) error {
	result, err := app.Service().Provision(ctx, name, audit.ChannelCLI)
	if err != nil {
		return err
	}

	qr, err := utils.NewQRCodeGenerator().GenerateTerminal(result.Config)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# %s (%s)\n%s\n%s", result.ConfigFilename, result.IP, result.Config, qr)
	return nil
}
