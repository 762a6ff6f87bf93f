package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
	"github.com/zeusync/patchmirror/internal/core/reconcile"
	"github.com/zeusync/patchmirror/internal/core/store"
	"github.com/zeusync/patchmirror/internal/injector"
	"github.com/zeusync/patchmirror/sdk/go/client"
)

const MirrorVersion = "0.1.0"

const usage = `Patch mirror.

Follows a server state tree and logs every change under the watched path.

Usage:
    mirror run --config=<path> [--watch=<path>]
    mirror check --config=<path>
    mirror -h | --help
    mirror --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML configuration file.
    --watch=<path>     Slash separated tree path to log [default: /].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], MirrorVersion)
	if err != nil {
		panic(err)
	}

	configPath, _ := opts.String("--config")
	cfg, err := client.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if check_, _ := opts.Bool("check"); check_ {
		check(cfg)
		return
	}
	if run_, _ := opts.Bool("run"); run_ {
		watch, _ := opts.String("--watch")
		if err = run(cfg, patch.ParsePath(watch)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

func check(cfg client.Config) {
	fmt.Printf("mode: %s\n", cfg.Transport.Mode)
	if cfg.Transport.Poll != nil {
		fmt.Printf("poll: %s every %s\n", cfg.Transport.Poll.URL, cfg.Transport.Poll.Cooldown)
	}
	if cfg.Transport.Push != nil {
		fmt.Printf("push: %s\n", cfg.Transport.Push.URL)
	}
	fmt.Printf("dump: %s\n", cfg.DumpURL)
	fmt.Printf("gap timeout: %s, buffer: %d\n", cfg.GapTimeout, cfg.BufferCapacity)
}

func run(cfg client.Config, watch patch.Path) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := injector.ProvideLogger(cfg)
	defer func() { _ = logger.Sync() }()

	c, err := injector.InitializeClient(cfg)
	if err != nil {
		return err
	}

	if _, err = c.OnStatus(func(ch reconcile.StatusChange) {
		logger.Info("Status changed",
			log.Stringer("from", ch.Previous),
			log.Stringer("to", ch.Current),
			log.String("reason", ch.Reason))
	}); err != nil {
		return err
	}
	if _, err = c.Subscribe(watch, func(ch store.Change) {
		logger.Info("Tree changed",
			log.Uint64("revision", uint64(ch.Revision)),
			log.Stringer("path", ch.Prefix),
			log.Bool("exists", ch.Exists),
			log.Bool("reset", ch.Reset),
			log.Any("value", ch.Value))
	}); err != nil {
		return err
	}

	if err = c.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-c.Done():
	}

	if err = c.Close(); err != nil {
		return err
	}
	logger.Info("Mirror stopped",
		log.Uint64("revision", uint64(c.Revision())),
		log.Uint64("fingerprint", c.Fingerprint()))
	return nil
}
