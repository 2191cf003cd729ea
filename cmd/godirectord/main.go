package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/easzlab/godirectord/pkg/config"
	"github.com/easzlab/godirectord/pkg/external"
	"github.com/easzlab/godirectord/pkg/server"
)

var (
	BuildTime   string
	BuildCommit string
	Version     = "0.9.2"

	debug      bool
	configPath string
)

// Exit codes: 0 success, 1 environment or configuration failure, 4 unknown
// or missing action.
const (
	exitFailure       = 1
	exitUnknownAction = 4
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		if strings.Contains(err.Error(), "unknown command") {
			os.Exit(exitUnknownAction)
		}
		os.Exit(exitFailure)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "godirectord",
		Short: "godirectord - health-monitoring controller for the IPVS table",
		Long:  "Monitors real servers behind IPVS virtual services and keeps the kernel forwarding table in sync via ipvsadm.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stderr, "an action is required: start|stop|restart|reload|status")
			cmd.Usage()
			os.Exit(exitUnknownAction)
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Run in foreground with debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "file", "f", "", "Path to config file")

	rootCmd.AddCommand(
		&cobra.Command{Use: "start", Short: "Start monitoring", RunE: runStart},
		&cobra.Command{Use: "stop", Short: "Stop a running instance", RunE: runStop},
		&cobra.Command{Use: "restart", Short: "Stop and start again", RunE: runRestart},
		&cobra.Command{Use: "reload", Short: "Make a running instance re-read its configuration", RunE: runReload},
		&cobra.Command{Use: "status", Short: "Report whether an instance is running", RunE: runStatus},
		newVersionCommand(),
	)
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\nBuild commit: %s\nBuild time: %s\n", Version, BuildCommit, BuildTime)
		},
	}
}

// resolvePaths fills the config path from the environment default when -f is
// not given and returns the pid file location derived from it.
func resolvePaths(settings *external.Settings) (string, string) {
	path := configPath
	if path == "" {
		path = settings.ConfigFile
	}
	return path, server.PIDFilePath(settings.PidDir, path)
}

// sanityCheck verifies the environment before any table operation: the
// external tool must exist and the process must be privileged.
func sanityCheck(settings *external.Settings) error {
	if _, err := os.Stat(settings.IpvsadmPath); err != nil {
		return fmt.Errorf("cannot find ipvsadm at %s: %w", settings.IpvsadmPath, err)
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("godirectord must be run as root")
	}
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

	settings := external.Load()
	path, pidPath := resolvePaths(settings)

	if err := sanityCheck(settings); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
	if _, err := config.Load(path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
	if pid, err := server.ReadPIDFile(pidPath); err == nil && server.ProcessAlive(pid) {
		fmt.Fprintf(os.Stderr, "godirectord is already running (pid %d)\n", pid)
		os.Exit(exitFailure)
	}

	if err := server.WritePIDFile(pidPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
	defer server.RemovePIDFile(pidPath)

	logger.Info("starting godirectord",
		zap.String("version", Version),
		zap.String("config", path),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	srv := server.New(path, settings, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("godirectord failed", zap.Error(err))
		return err
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	settings := external.Load()
	_, pidPath := resolvePaths(settings)

	pid, err := server.ReadPIDFile(pidPath)
	if err != nil || !server.ProcessAlive(pid) {
		fmt.Fprintln(os.Stderr, "godirectord is not running")
		os.Exit(exitFailure)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	for i := 0; i < 100; i++ {
		if !server.ProcessAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d did not exit", pid)
}

func runRestart(cmd *cobra.Command, args []string) error {
	settings := external.Load()
	_, pidPath := resolvePaths(settings)

	if pid, err := server.ReadPIDFile(pidPath); err == nil && server.ProcessAlive(pid) {
		if err := runStop(cmd, args); err != nil {
			return err
		}
	}
	return runStart(cmd, args)
}

func runReload(cmd *cobra.Command, args []string) error {
	settings := external.Load()
	_, pidPath := resolvePaths(settings)

	pid, err := server.ReadPIDFile(pidPath)
	if err != nil || !server.ProcessAlive(pid) {
		fmt.Fprintln(os.Stderr, "godirectord is not running")
		os.Exit(exitFailure)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	settings := external.Load()
	_, pidPath := resolvePaths(settings)

	pid, err := server.ReadPIDFile(pidPath)
	if err == nil && server.ProcessAlive(pid) {
		fmt.Printf("godirectord is running (pid %d)\n", pid)
		return nil
	}
	fmt.Println("godirectord is stopped")
	os.Exit(exitFailure)
	return nil
}

// newLogger creates a production zap logger with console encoding for
// readability; --debug lowers the level.
func newLogger() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	loggerConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}
