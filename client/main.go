package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/davecgh/go-spew/spew"
	"google.golang.org/grpc"

	"github.com/nomoresecretz/pktscope/common/record"
	"github.com/nomoresecretz/pktscope/server/rpc"
)

var (
	serverAddr = flag.String("server", "127.0.0.1:6420", "Server target info")
	command    = flag.String("cmd", "status", "command: start|stop|status|recent|get|context|diag|follow")
	src        = flag.String("source", "", "server capture source, empty for the server default")
	id         = flag.String("id", "", "record id for get and context")
	limit      = flag.Int("limit", 20, "records to fetch for recent")
	window     = flag.Int("window", 10, "records either side for context")
	raw        = flag.Bool("raw", false, "dump full records instead of summaries")
	timeout    = flag.Duration("timeout", 10*time.Second, "per request timeout")
)

// Simple rpc test client.
func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := doStuff(ctx, os.Stdout)
	if err != nil {
		slog.Error("request failed", "cmd", *command, "error", err)
		os.Exit(-1)
	}
}

func doStuff(ctx context.Context, out io.Writer) error {
	c, conn, err := rpc.Dial(*serverAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if *command == "follow" {
		return follow(ctx, c, out)
	}

	rctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	return runCommand(rctx, c, *command, out)
}

func runCommand(ctx context.Context, c *rpc.Client, cmd string, out io.Writer) error {
	switch cmd {
	case "start":
		r, err := c.Start(ctx, *src, grpc.WaitForReady(true))
		if err != nil {
			return err
		}

		if !r.Started {
			fmt.Fprintf(out, "already running (%s)\n", r.State)

			return nil
		}

		fmt.Fprintf(out, "started (%s)\n", r.State)
	case "stop":
		r, err := c.Stop(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "stopped (%s)\n", r.State)
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}

		return printJSON(out, st)
	case "diag":
		d, err := c.Diagnostics(ctx)
		if err != nil {
			return err
		}

		return printJSON(out, d)
	case "recent":
		rs, err := c.Recent(ctx, *limit)
		if err != nil {
			return err
		}

		printRecords(out, rs)
	case "get":
		r, err := c.Get(ctx, *id)
		if err != nil {
			return err
		}

		fmt.Fprint(out, spew.Sdump(r))
	case "context":
		rs, err := c.Context(ctx, *id, *window, *window)
		if err != nil {
			return err
		}

		printRecords(out, rs)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	return nil
}

func follow(ctx context.Context, c *rpc.Client, out io.Writer) error {
	s, err := c.Follow(ctx, grpc.WaitForReady(true))
	if err != nil {
		return err
	}

	for {
		r, err := s.Recv()
		if err == io.EOF {
			slog.Info("server ended stream")

			return nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		printRecords(out, []record.Record{*r})
	}
}

func printRecords(out io.Writer, rs []record.Record) {
	for _, r := range rs {
		if *raw {
			fmt.Fprint(out, spew.Sdump(r))

			continue
		}

		fmt.Fprintf(out, "%s %s %s\n", r.CapturedAt.Format(time.StampMicro), r.ID, r.Summary)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
