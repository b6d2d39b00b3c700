package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/nomoresecretz/pktscope/server"
	"github.com/nomoresecretz/pktscope/server/capture"
	"github.com/nomoresecretz/pktscope/server/config"
	"github.com/nomoresecretz/pktscope/server/httpapi"
	"github.com/nomoresecretz/pktscope/server/livecap"
	"github.com/nomoresecretz/pktscope/server/rpc"
)

const shutdownTimeout = 5 * time.Second

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
	Listen     string
	RPCListen  string
	Interface  string
	Devices    []string
	AutoStart  bool
	SelfPort   uint16
	Capacity   int
	BPFFilter  string
	Debug      bool
}

var rootCmd = &cobra.Command{
	Use:          "pktscope",
	Short:        "Packet capture service with an HTTP and gRPC query API",
	SilenceUsage: true,
	RunE: func(c *cobra.Command, _ []string) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		err = run(context.Background(), cfg)
		if errors.As(err, &Interrupted{}) {
			return nil
		}

		return err
	},
}

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List the devices that can be captured on",
	RunE: func(c *cobra.Command, _ []string) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		return listInterfaces(c, newSource(cfg))
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	f.BoolVar(&cmd.Debug, "debug", false, "enable debugging")
	f.StringVar(&cmd.BPFFilter, "bpf", "", "BPF filter applied to live captures")

	rf := rootCmd.Flags()
	rf.StringVar(&cmd.Listen, "listen", "", "HTTP API listen address")
	rf.StringVar(&cmd.RPCListen, "rpc-listen", "", "gRPC listen address")
	rf.StringVarP(&cmd.Interface, "interface", "i", "", "default capture device (file://path replays a pcap file)")
	rf.StringSliceVar(&cmd.Devices, "device", nil, "Device(s) start requests may capture on")
	rf.BoolVar(&cmd.AutoStart, "auto-start", false, "start capturing at startup")
	rf.Uint16Var(&cmd.SelfPort, "self-port", 0, "TCP port whose traffic is never stored, 0 disables")
	rf.IntVar(&cmd.Capacity, "capacity", 0, "number of records kept in memory")

	rootCmd.AddCommand(interfacesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flags that were set
// explicitly.
func loadConfig(c *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadConfig(cmd.ConfigPath); err != nil {
			return nil, err
		}
	}

	flags := c.Flags()

	if flags.Changed("listen") {
		cfg.Listen = cmd.Listen
	}

	if flags.Changed("rpc-listen") {
		cfg.RPCListen = cmd.RPCListen
	}

	if flags.Changed("interface") {
		cfg.Interface = cmd.Interface
	}

	if flags.Changed("device") {
		cfg.AllowedDevices = cmd.Devices
	}

	if flags.Changed("auto-start") {
		cfg.AutoStart = cmd.AutoStart
	}

	if flags.Changed("self-port") {
		cfg.SelfTrafficPort = cmd.SelfPort
	}

	if flags.Changed("capacity") {
		cfg.Capacity = cmd.Capacity
	}

	if flags.Changed("bpf") {
		cfg.Capture.BPFFilter = cmd.BPFFilter
	}

	if flags.Changed("debug") {
		cfg.Debug = cmd.Debug
	}

	if cfg.Debug {
		opts := &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}
		h := slog.New(slog.NewTextHandler(os.Stdout, opts))
		slog.SetDefault(h)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func newSource(cfg *config.Config) *livecap.Source {
	return livecap.New(livecap.Options{
		SnapLen:     int(cfg.Capture.SnapLen.Bytes()),
		BufferSize:  int(cfg.Capture.BufferSize.Bytes()),
		PollTimeout: cfg.Capture.PollTimeout,
		Promiscuous: cfg.Capture.Promiscuous,
		Immediate:   cfg.Capture.Immediate,
		BPFFilter:   cfg.Capture.BPFFilter,
	})
}

func listInterfaces(c *cobra.Command, src capture.Source) error {
	devs, err := src.Devices()
	if err != nil {
		return fmt.Errorf("failed to list capture devices: %w", err)
	}

	for i, d := range devs {
		c.Printf("%d. %s", i+1, d.Name)

		if d.Description != "" {
			c.Printf(" (%s)", d.Description)
		}

		if len(d.Addresses) > 0 {
			c.Printf(" [%s]", strings.Join(d.Addresses, ", "))
		}

		c.Println()
	}

	return nil
}

// logStartup reports the devices available and the one captures default to.
func logStartup(svc *server.Service) {
	d := svc.Diagnostics()
	if d.InterfaceError != "" {
		slog.Warn("unable to list capture devices, live capture may not work", "error", d.InterfaceError)

		return
	}

	for _, i := range d.Interfaces {
		slog.Info("capture source", "id", i.Name, "description", i.Description, "addresses", i.Addresses)
	}

	if d.DefaultInterface == "" {
		slog.Warn("no capture device available")

		return
	}

	slog.Info("default capture device", "device", d.DefaultInterface)
}

// run does the actual heavy lifting running the server.
func run(ctx context.Context, cfg *config.Config) error {
	ctx, ctxcf := context.WithCancel(ctx)
	defer ctxcf()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := server.New(ctx, cfg, newSource(cfg), reg)
	logStartup(svc)

	var (
		httpSrv *http.Server
		grpcSrv *grpc.Server
		httpLis net.Listener
		grpcLis net.Listener
		err     error
	)

	if cfg.Listen != "" {
		if httpLis, err = net.Listen("tcp", cfg.Listen); err != nil {
			return err
		}

		httpSrv = &http.Server{
			Handler:           httpapi.New(svc, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.RPCListen != "" {
		if grpcLis, err = net.Listen("tcp", cfg.RPCListen); err != nil {
			return err
		}

		var ops []grpc.ServerOption
		grpcSrv = grpc.NewServer(ops...)
		rpc.Register(grpcSrv, svc)
	}

	if cfg.AutoStart {
		if _, _, err := svc.Start(cfg.Interface); err != nil {
			return fmt.Errorf("failed to start capture: %w", err)
		}
	}

	eg, wctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := WaitInterrupted(wctx)
		slog.Info("shutting down", "reason", err)

		svc.GracefulStop()

		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}

		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			_ = httpSrv.Shutdown(sctx)
		}

		return err
	})

	if httpSrv != nil {
		eg.Go(func() error {
			slog.Info("starting http api", "addr", httpLis.Addr())

			if err := httpSrv.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	if grpcSrv != nil {
		eg.Go(func() error {
			slog.Info("starting rpc server", "addr", grpcLis.Addr())

			return grpcSrv.Serve(grpcLis)
		})
	}

	return eg.Wait()
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received or
// the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
