// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// supportchat is an anonymous support chat client. It asks the visitor
// to agree to the service terms, registers a throwaway Matrix account,
// opens a private room with a facilitator and relays messages until
// the visitor leaves, at which point the account is deactivated.
//
// With a terminal on stdin and stdout the chat runs as a full-screen
// TUI; otherwise (or with --plain) it reads lines from stdin and
// prints records to stdout.
//
// Sessions left behind by a crashed process are torn down at startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/supportchat/e2ee"
	"github.com/bureau-foundation/supportchat/lib/chatui"
	"github.com/bureau-foundation/supportchat/lib/config"
	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/version"
	"github.com/bureau-foundation/supportchat/supportchat"
)

// reapTimeout bounds the startup cleanup of leftover sessions.
const reapTimeout = time.Minute

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	homeserver  string
	facilitator string
	plain       bool
	noReap      bool
	logOutput   string
	verbose     bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("supportchat", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to the config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&opts.homeserver, "homeserver", "", "homeserver URL (overrides homeserver_url)")
	flagSet.StringVar(&opts.facilitator, "facilitator", "", "facilitator user ID (overrides facilitator)")
	flagSet.BoolVar(&opts.plain, "plain", false, "line mode even when attached to a terminal")
	flagSet.BoolVar(&opts.noReap, "no-reap", false, "skip cleanup of sessions left by a previous run")
	flagSet.StringVar(&opts.logOutput, "log-output", "", "write JSON log records to this file")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.SetOutput(io.Discard)
	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return &opts, flagSet, nil
}

func run(args []string) error {
	// Handle --version before flag parsing to match the other binaries.
	if len(args) > 0 && args[0] == "--version" {
		fmt.Printf("supportchat %s\n", version.Full())
		return nil
	}

	opts, flagSet, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	facilitator, err := ref.ParseUserID(cfg.Facilitator)
	if err != nil {
		return fmt.Errorf("facilitator: %w", err)
	}

	interactive := !opts.plain &&
		term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	var tuiHandler *chatui.LogHandler
	logger, closeLog, err := newLogger(level, opts.logOutput, interactive, &tuiHandler)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var newCipher func() e2ee.Cipher
	if cfg.Encryption.Algorithm == e2ee.MegolmAlgorithm {
		newCipher = func() e2ee.Cipher {
			return e2ee.NewMegolmCipher(e2ee.MegolmConfig{Logger: logger})
		}
	} else if cfg.Encryption.Enabled {
		logger.Warn("no cipher for configured algorithm, messages will be sent unencrypted",
			"algorithm", cfg.Encryption.Algorithm)
	}
	connector, err := supportchat.NewMatrixConnector(supportchat.MatrixConfig{
		HomeserverURL: cfg.HomeserverURL,
		NewCipher:     newCipher,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if cfg.Store.Backend == "file" && !opts.noReap {
		reapCtx, cancel := context.WithTimeout(ctx, reapTimeout)
		reaped, err := supportchat.Reap(reapCtx, connector, cfg.Store.Dir, logger)
		cancel()
		if err != nil {
			logger.Warn("cleanup of leftover sessions incomplete", "dir", cfg.Store.Dir, "error", err)
		} else if reaped > 0 {
			logger.Info("removed leftover sessions", "count", reaped)
		}
	}

	controller, err := supportchat.NewController(supportchat.Config{
		Connector:   connector,
		OpenStore:   storeOpener(cfg.Store),
		Facilitator: facilitator,
		RoomLabel:   cfg.RoomLabel,
		DisplayName: cfg.DisplayName,
		Encryption:  cfg.Encryption.Enabled,
		Algorithm:   cfg.Encryption.Algorithm,
		Messages:    cfg.Messages,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	uiOptions := chatui.Options{Goodbye: cfg.Messages.Goodbye}
	if !interactive {
		err = chatui.RunPlain(ctx, controller, os.Stdin, os.Stdout, uiOptions)
		controller.Wait()
		return err
	}

	program := tea.NewProgram(chatui.NewModel(controller, uiOptions), tea.WithAltScreen())
	tuiHandler.SetProgram(program)
	go func() {
		<-ctx.Done()
		program.Send(chatui.ExitRequest{})
	}()

	final, runErr := program.Run()
	if model, ok := final.(chatui.Model); ok && runErr == nil {
		runErr = model.ExitErr()
	}
	controller.Wait()
	if cfg.Messages.Goodbye != "" {
		fmt.Println(cfg.Messages.Goodbye)
	}
	return runErr
}

// loadConfig reads --config, else $SUPPORTCHAT_CONFIG, else the
// defaults, applies flag overrides and validates the result.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.Expand()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.homeserver != "" {
		cfg.HomeserverURL = opts.homeserver
	}
	if opts.facilitator != "" {
		cfg.Facilitator = opts.facilitator
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `supportchat: anonymous support chat over Matrix.

Registers a throwaway account, opens a private room with a facilitator
and deletes the account when the chat ends. Configuration comes from
--config or $%s; flags override file values.

Usage:
  supportchat [flags]

Flags:
`, config.EnvironmentVariable)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
