package main

import (
	"context"
	"fmt"
	"time"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-ipc/discovery"
	"mini-ipc/object"
	"mini-ipc/registry"
	"mini-ipc/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var listen string
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo calculator object until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if listen == "" {
				listen = cfg.Server.Listen
			}

			// Cleanup must still reach etcd after the command context is canceled.
			srvCtx := context.WithoutCancel(cmd.Context())
			log := logger.Get(srvCtx)

			tree := object.NewTree()
			calc, err := newCalculator(calculatorPath)
			if err != nil {
				return err
			}
			if err := tree.Register(calc); err != nil {
				return err
			}

			local := discovery.NewLocalServers()
			srv := server.New(srvCtx, tree, cfg.ServerConfig(), local)
			if err := srv.Listen(listen); err != nil {
				return err
			}

			if cfg.Discovery.Enabled {
				svc := discovery.New(srvCtx, cfg.DiscoveryConfig(), local)
				if err := svc.Start(cfg.DiscoveryPort()); err != nil {
					_ = srv.Shutdown(shutdownTimeout)
					return err
				}
				defer func() {
					_ = svc.Stop()
				}()
			}

			if len(cfg.Registry.Endpoints) > 0 {
				reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, seconds(cfg.Registry.DialTimeout))
				if err != nil {
					_ = srv.Shutdown(shutdownTimeout)
					return err
				}
				defer reg.Close()

				if err := srv.Publish(reg, cfg.Discovery.User, cfg.Server.AdvertiseHost); err != nil {
					_ = srv.Shutdown(shutdownTimeout)
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on %s\n", calculatorPath, srv.Addr())

			err = parallel.Run(cmd.Context(), func(ctx context.Context, spawn parallel.SpawnFn) error {
				spawn("server", parallel.Exit, func(ctx context.Context) error {
					return srv.Serve()
				})
				spawn("shutdown", parallel.Continue, func(ctx context.Context) error {
					<-ctx.Done()
					log.Info("Shutting down")
					return srv.Shutdown(shutdownTimeout)
				})
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Server failed", zap.Error(err))
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address, overrides server.listen")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Time to wait for running invocations on shutdown")
	return cmd
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
