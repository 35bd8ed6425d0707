package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/rpc"
)

func rpcCmd() *cli.Command {
	return &cli.Command{
		Name:  "rpc",
		Usage: "Query or serve remote backend devices",
		Commands: []*cli.Command{
			rpcMemoryCmd(),
			rpcServeCmd(),
		},
	}
}

func rpcMemoryCmd() *cli.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)

	return &cli.Command{
		Name:      "memory",
		Usage:     "Report device memory for each endpoint and the planned layer split",
		ArgsUsage: "[host:port ...]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "dial timeout per endpoint",
				Value:       5 * time.Second,
				Destination: &timeout,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print JSON instead of a table",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			args := cmd.Args().Slice()
			if len(args) == 0 {
				args = cfg.RPCEndpoints
			}
			endpoints, err := parseEndpoints(args)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			mem := rpc.QueryAll(ctx, endpoints, rpc.WithDialTimeout(timeout), rpc.WithLogger(log))
			split := rpc.PlanSplit(mem)
			failed := 0
			for _, m := range mem {
				if m.Err != nil {
					failed++
					log.Warn("endpoint query failed", "endpoint", m.Endpoint, "error", m.Err)
				}
			}
			if asJSON {
				err = writeMemoryJSON(os.Stdout, mem, split)
			} else {
				err = writeMemoryTable(os.Stdout, mem, split)
			}
			if err != nil {
				return err
			}
			if failed == len(mem) {
				return cli.Exit("error: no endpoint answered", 1)
			}
			return nil
		},
	}
}

func rpcServeCmd() *cli.Command {
	var (
		addr  string
		free  uint64
		total uint64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve device memory queries for this host",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:50052",
				Destination: &addr,
			},
			&cli.Uint64Flag{
				Name:        "free",
				Usage:       "free bytes to report (0 uses host memory)",
				Destination: &free,
			},
			&cli.Uint64Flag{
				Name:        "total",
				Usage:       "total bytes to report (0 uses host memory)",
				Destination: &total,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &rpc.Server{Addr: addr, Free: free, Total: total, Log: log}
			log.Info("rpc server listening", "address", addr)
			if err := srv.Serve(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func parseEndpoints(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, errors.New("no endpoints (pass host:port arguments or set rpc_endpoints)")
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		ep, err := rpc.ParseEndpoint(a)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func writeMemoryTable(w io.Writer, mem []rpc.DeviceMemory, split []float32) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tFREE\tTOTAL\tSPLIT\tERROR")
	for i, m := range mem {
		errText := ""
		if m.Err != nil {
			errText = m.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\n", m.Endpoint, formatBytes(m.Free), formatBytes(m.Total), split[i], errText)
	}
	return tw.Flush()
}

func writeMemoryJSON(w io.Writer, mem []rpc.DeviceMemory, split []float32) error {
	type row struct {
		rpc.DeviceMemory
		Split float32 `json:"split"`
		Error string  `json:"error,omitempty"`
	}
	rows := make([]row, len(mem))
	for i, m := range mem {
		rows[i] = row{DeviceMemory: m, Split: split[i]}
		if m.Err != nil {
			rows[i].Error = m.Err.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
