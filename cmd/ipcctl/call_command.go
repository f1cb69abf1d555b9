package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mini-ipc/client"
	"mini-ipc/discovery"
	"mini-ipc/loadbalance"
)

// Balancing strategies of call --discover.
const (
	balanceHash       = "hash"
	balanceRoundRobin = "roundrobin"
)

// pickFunc returns the host and port of the server for the next call.
type pickFunc func() (string, uint16, error)

func newCallCommand(ctx *commandContext) *cobra.Command {
	var discover bool
	var balance string
	var duration time.Duration
	var repeat int

	cmd := &cobra.Command{
		Use:   "call (HOST PORT | --discover) PATH METHOD [ARGS...]",
		Short: "Invoke a method over a fresh connection",
		Long: "Invoke a method over a fresh connection.\n" +
			"Arguments are sent as integers, floats or booleans when they parse as such; quote them to force a string.\n" +
			"With --discover the server is picked among those found for the configured user, once per --repeat.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repeat < 1 {
				return errors.Errorf("--repeat must be positive, got %d", repeat)
			}

			var pick pickFunc
			if discover {
				found, err := collectServers(cmd.Context(), ctx.config, duration)
				if err != nil {
					return err
				}
				if pick, err = newPicker(serversOf(found, ctx.config.Discovery.User), balance, args[0]); err != nil {
					return err
				}
			} else {
				if len(args) < 4 {
					return errors.New("HOST PORT PATH METHOD required")
				}
				host := args[0]
				port, err := parsePort(args[1])
				if err != nil {
					return err
				}
				pick = func() (string, uint16, error) {
					return host, port, nil
				}
				args = args[2:]
			}

			out := cmd.OutOrStdout()
			for range repeat {
				host, port, err := pick()
				if err != nil {
					return err
				}
				res := ctx.caller.Do(cmd.Context(), client.Target{
					Host:       host,
					Port:       port,
					ObjectPath: args[0],
					Method:     args[1],
					Args:       parseArgs(args[2:]),
				})
				if err := resultError(res); err != nil {
					return err
				}
				fmt.Fprintln(out, formatValue(res.Value))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&discover, "discover", false, "Pick the server among discovered ones instead of HOST PORT")
	cmd.Flags().StringVar(&balance, "balance", balanceHash, "Server choice with --discover: hash (by object path) or roundrobin")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 3*time.Second, "How long to listen for announcements with --discover")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "Number of calls to make")
	return cmd
}

// serversOf returns the distinct records of user. Servers seen both on the
// network and in the registry are kept once.
func serversOf(found []foundServer, user string) []discovery.Record {
	seen := map[string]bool{}
	var out []discovery.Record
	for _, f := range found {
		if f.record.User != user || seen[f.record.Key()] {
			continue
		}
		seen[f.record.Key()] = true
		out = append(out, f.record)
	}
	return out
}

// newPicker balances calls for objectPath over records. The hash strategy sends
// every call for one object path to the same server; roundrobin spreads them.
func newPicker(records []discovery.Record, strategy, objectPath string) (pickFunc, error) {
	if len(records) == 0 {
		return nil, errors.WithStack(loadbalance.ErrNoServers)
	}

	var pick func() (*discovery.Record, error)
	switch strategy {
	case balanceHash:
		b := loadbalance.NewConsistentHashBalancer()
		for _, rec := range records {
			b.Add(rec)
		}
		pick = func() (*discovery.Record, error) {
			return b.Pick(objectPath)
		}
	case balanceRoundRobin:
		b := &loadbalance.RoundRobinBalancer{}
		pick = func() (*discovery.Record, error) {
			return b.Pick(records)
		}
	default:
		return nil, errors.Errorf("unknown balancing strategy %q", strategy)
	}

	return func() (string, uint16, error) {
		rec, err := pick()
		if err != nil {
			return "", 0, err
		}
		return rec.Address.String(), rec.Port, nil
	}, nil
}

func resultError(res client.Result) error {
	if res.Success {
		return nil
	}
	if res.Code != "" {
		return errors.Errorf("%s: %s", res.Code, res.Message)
	}
	return errors.New(res.Message)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", x)
	case []byte:
		return fmt.Sprintf("%x", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
