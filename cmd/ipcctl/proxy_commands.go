package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mini-ipc/client"
	"mini-ipc/proxy"
)

// openProxy activates a proxy for the object named by args[0:3] and waits for
// the outcome.
func openProxy(ctx context.Context, cc *commandContext, args []string) (*proxy.Proxy, error) {
	port, err := parsePort(args[1])
	if err != nil {
		return nil, err
	}

	p := proxy.New(ctx, cc.config.ProxyConfig(args[0], port, args[2]), cc.caller)
	for {
		select {
		case <-ctx.Done():
			p.Close()
			return nil, ctx.Err()
		case ev := <-p.Events():
			switch ev.Kind {
			case proxy.EventActivated:
				return p, nil
			case proxy.EventCouldNotActivate:
				p.Close()
				return nil, errors.Errorf("activating %s failed: %s", args[2], ev.Reason)
			}
		}
	}
}

// await sends one proxy request and blocks until its handler runs.
func await(ctx context.Context, send func(proxy.Handler) (uint64, error)) (client.Result, error) {
	ch := make(chan client.Result, 1)
	if _, err := send(func(res client.Result) {
		ch <- res
	}); err != nil {
		return client.Result{}, err
	}

	select {
	case <-ctx.Done():
		return client.Result{}, ctx.Err()
	case res := <-ch:
		return res, resultError(res)
	}
}

func newGetCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get HOST PORT PATH PROPERTY",
		Short: "Read a property through an object session",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProxy(cmd.Context(), cc, args)
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := await(cmd.Context(), func(h proxy.Handler) (uint64, error) {
				return p.GetProperty(args[3], h)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(res.Value))
			return nil
		},
	}
}

func newSetCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set HOST PORT PATH PROPERTY VALUE",
		Short: "Write a property through an object session",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProxy(cmd.Context(), cc, args)
			if err != nil {
				return err
			}
			defer p.Close()

			_, err = await(cmd.Context(), func(h proxy.Handler) (uint64, error) {
				return p.SetProperty(args[3], parseArg(args[4]), h)
			})
			return err
		},
	}
}

func newInspectCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect HOST PORT PATH",
		Short: "Show the properties, signals and methods of an object",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProxy(cmd.Context(), cc, args)
			if err != nil {
				return err
			}
			defer p.Close()

			fmt.Fprintln(cmd.OutOrStdout(), renderObject(p.Properties(), p.Signals(), p.Invokables()))
			return nil
		},
	}
}

func renderObject(props map[string]any, signals, invokables []string) string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(props)+len(signals)+len(invokables))
	for _, name := range names {
		rows = append(rows, []string{"property", name, formatValue(props[name])})
	}
	for _, sig := range signals {
		rows = append(rows, []string{"signal", sig, ""})
	}
	for _, m := range invokables {
		rows = append(rows, []string{"method", m, ""})
	}
	return renderTable([]string{"Member", "Name", "Value"}, rows, nil)
}

func newWatchCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch HOST PORT PATH SIGNAL",
		Short: "Print every emission of a signal until interrupted",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := openProxy(ctx, cc, args)
			if err != nil {
				return err
			}
			defer p.Close()

			out := cmd.OutOrStdout()
			if _, err := p.SubscribeSignal(args[3], func(values []any) {
				formatted := make([]string, 0, len(values))
				for _, v := range values {
					formatted = append(formatted, formatValue(v))
				}
				fmt.Fprintf(out, "%s %s\n", args[3], strings.Join(formatted, " "))
			}); err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-p.Events():
					switch ev.Kind {
					case proxy.EventDeactivated:
						return errors.New(proxy.MsgConnectionLost)
					case proxy.EventError:
						return errors.New(ev.Reason)
					}
				}
			}
		},
	}
}
