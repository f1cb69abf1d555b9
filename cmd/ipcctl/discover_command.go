package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/outofforest/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-ipc/config"
	"mini-ipc/discovery"
	"mini-ipc/registry"
)

type foundServer struct {
	source string
	record discovery.Record
}

func newDiscoverCommand(cc *commandContext) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List servers announced on the network and in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := collectServers(cmd.Context(), cc.config, duration)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderFound(found))
			return nil
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 3*time.Second, "How long to listen for announcements")
	return cmd
}

// collectServers listens for announcements for duration and adds the endpoints
// published in the registry, when one is configured.
func collectServers(ctx context.Context, cfg *config.Config, duration time.Duration) ([]foundServer, error) {
	svc := discovery.New(ctx, cfg.DiscoveryConfig(), discovery.NewLocalServers())
	if err := svc.Start(cfg.DiscoveryPort()); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}

	var found []foundServer
	for _, rec := range svc.FoundServers() {
		found = append(found, foundServer{source: "broadcast", record: rec})
	}
	if err := svc.Stop(); err != nil {
		return nil, err
	}

	if len(cfg.Registry.Endpoints) > 0 {
		fromRegistry, err := discoverRegistry(ctx, cfg.Registry.Endpoints, seconds(cfg.Registry.DialTimeout), cfg.Discovery.User)
		if err != nil {
			return nil, err
		}
		found = append(found, fromRegistry...)
	}
	return found, nil
}

func discoverRegistry(ctx context.Context, endpoints []string, dialTimeout time.Duration, user string) ([]foundServer, error) {
	reg, err := registry.NewEtcdRegistry(endpoints, dialTimeout)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	published, err := reg.Discover(ctx, user)
	if err != nil {
		return nil, err
	}

	found := make([]foundServer, 0, len(published))
	for _, e := range published {
		rec, err := e.Record()
		if err != nil {
			logger.Get(ctx).Warn("Skipping unresolvable endpoint", zap.String("host", e.Host), zap.Error(err))
			continue
		}
		found = append(found, foundServer{source: "registry", record: rec})
	}
	return found, nil
}

func renderFound(found []foundServer) string {
	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i].record, found[j].record
		if a.User != b.User {
			return a.User < b.User
		}
		return a.Addr() < b.Addr()
	})

	rows := make([][]string, 0, len(found))
	for _, f := range found {
		rows = append(rows, []string{
			f.source,
			f.record.User,
			f.record.Address.String(),
			strconv.Itoa(int(f.record.Port)),
			f.record.ServerID,
		})
	}
	return renderTable(
		[]string{"Source", "User", "Address", "Port", "Server ID"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
