package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"crius/pkg/config"
	"crius/pkg/image"
	"crius/pkg/metrics"
	"crius/pkg/registry"
	"crius/pkg/server"
)

var (
	configFile string
	debug      bool
	logFile    string
	listenAddr string
	rootDir    string

	username string
	password string
)

var rootCmd = &cobra.Command{
	Use:   "crius",
	Short: "A Kubernetes CRI runtime backed by OCI registries",
	Long: `crius serves the Kubernetes Container Runtime Interface over gRPC. Images are
pulled from OCI registries into a local store and served from an in-memory index.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		metrics.LogStartupBanner(server.Version)
		logrus.Debugf("Using configuration: %+v", cfg)

		svc, err := newImageService(ctx, cfg)
		if err != nil {
			return err
		}
		// Only the daemon owns in-flight pulls, so only it may clear leftovers.
		svc.Store().CollectGarbage()

		l, err := server.Listen(cfg.Listen)
		if err != nil {
			return err
		}
		srv := server.New(server.NewImageServer(svc), server.NewRuntimeServer(cfg, svc))
		return srv.Serve(ctx, l)
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull [image]",
	Short: "Pull an image into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newImageService(ctx, cfg)
		if err != nil {
			return err
		}

		id, err := svc.Pull(ctx, args[0], registry.Auth{Username: username, Password: password})
		if err != nil {
			return fmt.Errorf("failed to pull image: %w", err)
		}

		rec, err := svc.Status(id)
		if err != nil {
			return err
		}
		fmt.Printf("Image pulled successfully: %s\n", id)
		fmt.Printf("  Digest: %s\n", rec.Digest)
		fmt.Printf("  Size:   %s\n", units.HumanSize(float64(rec.Size)))
		fmt.Printf("  Layers: %d\n", len(rec.Layers))
		return nil
	},
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List images in the local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		svc, err := newImageService(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		records := svc.List()
		if len(records) == 0 {
			fmt.Println("No images found")
			return nil
		}

		fmt.Printf("%-20s %-50s %s\n", "IMAGE ID", "TAGS", "SIZE")
		for _, rec := range records {
			fmt.Printf("%-20s %-50s %s\n", rec.ID, strings.Join(rec.RepoTags, ","), units.HumanSize(float64(rec.Size)))
		}
		return nil
	},
}

var rmiCmd = &cobra.Command{
	Use:   "rmi [image]",
	Short: "Remove an image tag, or an image by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		svc, err := newImageService(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if err := svc.Remove(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to remove image: %w", err)
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the crius version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s version %s\n", server.RuntimeName, server.Version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to the configuration file (default "+config.DefaultConfigFile+")")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.StringVar(&logFile, "log", "", "write logs to this file instead of stderr")
	flags.StringVar(&rootDir, "root", "", "root directory for crius state (overrides root_dir)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address: host:port, tcp://, unix:// or vsock:// (overrides listen)")

	pullCmd.Flags().StringVar(&username, "username", "", "registry username")
	pullCmd.Flags().StringVar(&password, "password", "", "registry password")

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(rmiCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetReportCaller(true)
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logrus.SetOutput(f)
	}
	return nil
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if rootDir != "" {
		cfg.RootDir = rootDir
	}
	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		cfg.Listen = listenAddr
	}
	return cfg, cfg.Validate()
}

// newImageService opens the image store and loads its images.
func newImageService(ctx context.Context, cfg *config.Config) (*image.Service, error) {
	platform, err := cfg.ImagePlatform()
	if err != nil {
		return nil, err
	}
	storageDir, err := cfg.StorageDir()
	if err != nil {
		return nil, err
	}
	store, err := image.NewStore(storageDir)
	if err != nil {
		return nil, err
	}

	svc := image.NewService(
		registry.NewClient(registry.WithPlatform(platform)),
		store,
		image.WithPullTimeout(cfg.PullTimeout.Duration),
		image.WithMaxConcurrentDownloads(cfg.MaxConcurrentDownloads),
		image.WithMetrics(metrics.NewMetrics()),
	)
	if _, err := svc.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load local images: %w", err)
	}
	return svc, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
