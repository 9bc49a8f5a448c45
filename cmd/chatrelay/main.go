package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/app"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/logging"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

const daemonEnv = "CHATRELAY_DAEMON"

func main() {
	foreground := flag.Bool("x", false, "Run in foreground (don't daemonize)")
	configPath := flag.String("c", "./config.yaml", "Path to configuration file (.yaml or .toml)")
	showVersion := flag.Bool("v", false, "Show version information and exit")
	showVersionLong := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion || *showVersionLong {
		fmt.Printf("chatrelay version %s\n", version)
		fmt.Printf("Built: %s\n", buildDate)
		fmt.Printf("Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	app.Version = version
	app.BuildDate = buildDate
	app.GitCommit = gitCommit

	if !*foreground {
		daemonize()
		return
	}

	os.Exit(run(*configPath))
}

// daemonize detaches by re-executing itself twice: once with the daemon
// marker set, then again in the foreground with -x.
func daemonize() {
	bootLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if os.Getenv(daemonEnv) == "1" {
		if err := writePIDFile(); err != nil {
			bootLog.Warn().Err(err).Msg("Could not write PID file")
		}
		fmt.Printf("Now becoming a daemon\nMy pid is %d, this has been written to pid.txt\n", os.Getpid())

		args := append(os.Args, "-x")
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			bootLog.Fatal().Err(err).Msg("Failed to start daemon")
		}
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	if err := cmd.Start(); err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to fork")
	}
	os.Exit(0)
}

func writePIDFile() error {
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func run(configPath string) int {
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	log := logging.New(cfg.Global.Log)
	if err := writePIDFile(); err != nil {
		log.Warn().Err(err).Msg("Could not write PID file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Str("config", configPath).Int("domains", len(cfg.Domains)).Msg("Starting chatrelay")
	action, err := app.New(cfg, log, app.Options{Version: version}).Run(ctx)
	if err != nil {
		var crash *app.CrashError
		if errors.As(err, &crash) {
			log.Error().Interface("panic", crash.Value).Msg("Exiting after crash")
		} else {
			log.Error().Err(err).Msg("Exiting with error")
		}
		return 1
	}

	if action == app.ActionRestart {
		restart(log)
	}
	log.Info().Msg("Shut down")
	return 0
}

// restart replaces the process with a fresh daemonizing copy of itself
func restart(log zerolog.Logger) {
	var args []string
	for _, arg := range os.Args {
		if arg != "-x" {
			args = append(args, arg)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		exe = args[0]
	}
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if kv != daemonEnv+"=1" {
			env = append(env, kv)
		}
	}

	log.Info().Msg("Restarting")
	if err := syscall.Exec(exe, args, env); err != nil {
		log.Fatal().Err(err).Msg("Failed to restart")
	}
}
