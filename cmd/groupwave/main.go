// Command groupwave is the field radio daemon: it opens the configured
// link, resolves the device's identity, and runs the call/frequency
// protocol until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	groupwave "github.com/fieldops/groupwave/src"
)

func main() {
	flags := groupwave.RegisterFlags(pflag.CommandLine)
	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "groupwave - point-to-point encrypted field radio")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	cfg, err := groupwave.LoadDeviceConfig(*flags.ConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	flags.ApplyTo(&cfg)

	logger := groupwave.NewLogger(parseLevel(cfg.LogLevel))

	nvs, err := groupwave.NewFileNVS(cfg.NVSPath, cfg.SnapshotDir)
	if err != nil {
		logger.Fatal("opening nvs store", "err", err)
	}

	link, err := openLink(cfg)
	if err != nil {
		logger.Fatal("opening link", "err", err)
	}

	authSecret := []byte(os.Getenv("GROUPWAVE_AUTH_SECRET"))
	if len(authSecret) == 0 {
		logger.Warn("GROUPWAVE_AUTH_SECRET not set, bridge tokens will use an empty key")
	}

	dev, err := groupwave.NewDevice(cfg, link, groupwave.DefaultAudioDriver(), nvs, groupwave.IdentitySource{}, authSecret, logger)
	if err != nil {
		logger.Fatal("wiring device", "err", err)
	}
	logger.Info("device ready", "id", dev.Identity().String())

	if ptt := maybeOpenGPIOPTT(cfg, dev, logger); ptt != nil {
		defer ptt.Close()
	}
	if rig := maybeOpenRig(cfg, dev, logger); rig != nil {
		defer rig.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dev.Run(ctx); err != nil {
		logger.Fatal("device run", "err", err)
	}
	if err := nvs.Commit(); err != nil {
		logger.Error("final nvs commit failed", "err", err)
	}
}

// pttCloser is the common surface the linux GPIO PTT backend and its
// no-op stand-in on other platforms both satisfy.
type pttCloser interface {
	Close()
}

func parseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
