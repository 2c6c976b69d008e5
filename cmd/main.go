package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/Ritesh313/DeepTreeAttention/internal/config"
	"github.com/Ritesh313/DeepTreeAttention/internal/crown"
	"github.com/Ritesh313/DeepTreeAttention/internal/notification"
	"github.com/Ritesh313/DeepTreeAttention/internal/properties"
	"github.com/Ritesh313/DeepTreeAttention/internal/rpc"
	"github.com/Ritesh313/DeepTreeAttention/internal/sensor"
)

// app carries the settings shared by every command.
type app struct {
	configPath string
	overrides  string
	dataDir    string
	verbose    bool

	cfg      config.Config
	notifier *notification.Discord
}

func (a *app) processedDir() string {
	return filepath.Join(a.dataDir, "processed")
}

func (a *app) setup() error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(a.configPath, a.overrides)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.notifier = notification.NewDiscord()
	return nil
}

func (a *app) dial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	return rpc.Dial(ctx, addr, rpc.Auth{
		TokenURL:     a.cfg.ServiceTokenURL,
		ClientID:     a.cfg.ServiceClientID,
		ClientSecret: a.cfg.ServiceClientSecret,
	})
}

func (a *app) crownResolver(conn grpc.ClientConnInterface) (*crown.Resolver, error) {
	rgb, err := sensor.NewPool(a.cfg.RGBSensorPool)
	if err != nil {
		return nil, err
	}
	return &crown.Resolver{
		Detector: crown.NewClient(conn),
		Tiles:    rgb,
		Options: crown.Options{
			Expand:       a.cfg.CrownExpand,
			Tolerance:    a.cfg.CrownTolerance,
			FixedBox:     a.cfg.FixedBox,
			FixedBoxSize: a.cfg.FixedBoxSize,
			Workers:      a.cfg.Workers,
		},
	}, nil
}

func (a *app) notifyError(ctx context.Context, message string) {
	if err := a.notifier.Error(ctx, message); err != nil {
		slog.Warn("could not send error notification", "error", err)
	}
}

func (a *app) notifySuccess(ctx context.Context, message string) {
	if err := a.notifier.Success(ctx, message); err != nil {
		slog.Warn("could not send success notification", "error", err)
	}
}

func rootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "deeptreeattention",
		Short:         "Tree species dataset curation and evaluation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", properties.ConfigPath(), "Path to config.yml")
	flags.StringVar(&a.overrides, "my-dict", "", `JSON object overriding config keys, e.g. '{"iterations": 5}'`)
	flags.StringVar(&a.dataDir, "data-dir", properties.DataDir(), "Dataset root directory")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		generateCommand(a),
		resampleCommand(a),
		evaluateCommand(a),
		predictCommand(a),
	)
	return rootCmd
}

func loadEnv() {
	for _, path := range []string{"../../.env", "../.env", ".env"} {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
	slog.Debug("no .env file found")
}

func main() {
	loadEnv()

	a := &app{notifier: &notification.Discord{}}
	defer func() {
		if r := recover(); r != nil {
			message := fmt.Sprintf("DeepTreeAttention\n\npanic: %v\n\n%s", r, debug.Stack())
			a.notifyError(context.Background(), message)
			fmt.Fprintln(os.Stderr, message)
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand(a).ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
