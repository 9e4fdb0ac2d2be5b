package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"thermosched/go-mqtt-thermostat/internal/config"
	"thermosched/go-mqtt-thermostat/internal/mqtt"
	"thermosched/go-mqtt-thermostat/internal/publisher"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("thermostat-scheduler", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to the YAML configuration file")
	dryRun := fs.Bool("dry-run", false, "Print payloads instead of publishing them")
	check := fs.Bool("check", false, "Compare configured schedules with the state reported by the monitor")
	strict := fs.Bool("strict", false, "Fail when a thermostat references an unknown type")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *configPath == "" {
		fmt.Fprintln(stderr, "missing required flag: --config")
		fs.Usage()
		return exitUsage
	}
	if *dryRun && *check {
		fmt.Fprintln(stderr, "--dry-run and --check are mutually exclusive")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfig
	}

	// Logs go to stderr so that dry-run payloads on stdout stay machine readable.
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel(cfg)}))

	if *strict {
		if err := cfg.CheckTypes(); err != nil {
			logger.Error("invalid configuration", "error", err)
			return exitConfig
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *dryRun {
		report := publisher.New(cfg, nil, logger, stdout).DryRun(ctx)
		logger.Info("dry run finished", "printed", report.Count(publisher.OutcomePrinted), "skipped", report.Count(publisher.OutcomeSkipped))
		return exitOK
	}

	// A failed connect is reported per device; the run still completes.
	var client publisher.Client
	conn, err := mqtt.Connect(mqtt.Options{
		BrokerURL: mqtt.BrokerURL(cfg.MQTT.Broker, cfg.MQTT.Port),
		ClientID:  mqtt.ClientID("thermostat-scheduler", cfg.MQTT.ClientID),
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		Timeout:   cfg.MQTT.ConnectTimeout.Std(),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("mqtt connect failed", "error", err)
	} else {
		client = conn
		defer conn.Close()
	}

	pub := publisher.New(cfg, client, logger, stdout)
	if *check {
		report := pub.Check(ctx)
		logger.Info("check finished",
			"match", report.Count(publisher.OutcomeMatch),
			"mismatch", report.Count(publisher.OutcomeMismatch),
			"indeterminate", report.Count(publisher.OutcomeIndeterminate),
			"failed", report.Count(publisher.OutcomeFailed),
		)
		return exitOK
	}

	report := pub.Publish(ctx)
	logger.Info("publish finished",
		"published", report.Count(publisher.OutcomePublished),
		"skipped", report.Count(publisher.OutcomeSkipped),
		"failed", report.Count(publisher.OutcomeFailed),
	)
	return exitOK
}

func logLevel(cfg *config.Config) slog.Leveler {
	lv := new(slog.LevelVar)
	lv.Set(cfg.SlogLevel())
	return lv
}
