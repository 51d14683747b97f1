package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relevo/internal/relevo"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "relevo",
		Short:        "Offline cache controller for the relevo logbook PWA",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("RELEVO_CONFIG", "/relevo.yaml"), "path to relevo.yaml")

	root.AddCommand(
		newServeCmd(&configPath),
		newInstallCmd(&configPath),
		newCachesCmd(&configPath),
		newWarmCmd(&configPath),
	)
	return root
}

// setup loads the config and builds a logger and an unstarted service.
func setup(configPath string) (*relevo.Config, *zap.Logger, *relevo.Service, error) {
	cfg, err := relevo.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := relevo.NewLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := relevo.NewService(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, nil, err
	}
	return cfg, log, svc, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, svc, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := svc.Start(ctx); err != nil {
				return err
			}
			if cfg.Watch {
				if err := svc.WatchConfig(*configPath); err != nil {
					return err
				}
			}

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			srv := &http.Server{
				Handler:           svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				log.Info("relevo listening",
					zap.String("addr", addr),
					zap.String("origin", cfg.Server.Origin),
					zap.String("version", cfg.Version),
				)
				err := srv.Serve(ln)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server error", zap.Error(err))
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		},
	}
}

func newInstallCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install and activate the configured version, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, svc, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			defer svc.Close()

			if _, err := svc.Registration().Update(cmd.Context(), cfg); err != nil {
				return err
			}
			info := svc.Registration().Info()
			if info.Active != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "active %s: precached %d of %d\n",
					info.Active.Version, info.Active.Precached, len(cfg.Manifest()))
			}
			return printGenerations(cmd, svc)
		},
	}
}

func newCachesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "caches",
		Short: "List cache generations and their entry counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, svc, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			defer svc.Close()
			return printGenerations(cmd, svc)
		},
	}
}

func newWarmCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "warm [url...]",
		Short: "Fetch media URLs through the controller so they are available offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, svc, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()
			defer svc.Close()

			if _, err := svc.Registration().Update(cmd.Context(), cfg); err != nil {
				return err
			}
			res, err := svc.Warm(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "warm: requested=%d ok=%d failed=%d\n", res.Requested, res.OK, res.Failed)
			return nil
		},
	}
}

func printGenerations(cmd *cobra.Command, svc *relevo.Service) error {
	gens, err := svc.Generations(cmd.Context())
	if err != nil {
		return err
	}
	for _, g := range gens {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", g.Name, g.Entries)
	}
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
