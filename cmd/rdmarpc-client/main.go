package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rdmarpc/internal/bench"
	"github.com/yuuki/rdmarpc/internal/config"
	"github.com/yuuki/rdmarpc/internal/node"
	"github.com/yuuki/rdmarpc/internal/rpc"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("rdmarpc-client", pflag.ExitOnError)
	config.SetupFlags(flagSet)
	flagSet.Int("connections", 1, "Number of connections")
	flagSet.Int("requests", 10000, "Total number of requests")
	flagSet.Int("rate", 0, "Requests per second across all connections (0 for unlimited)")
	flagSet.Int("window", 32, "Outstanding requests per connection")
	flagSet.Int("payload-size", 64, "Request payload size in bytes")
	flagSet.String("mode", bench.ModeAsync, "Call mode (sync, async)")
	flagSet.Uint32("type", bench.TypeEcho, "Request type (1 echo, 2 discard, 3 yield)")
	flagSet.Bool("loopback", false, "Serve requests in-process on connect-addr (for the sim backend)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if version, _ := flagSet.GetBool("version"); version {
		fmt.Println("rdmarpc client v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.Load(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	opts := rpc.Options{BatchCount: cfg.BatchCount, FiberCache: cfg.FiberCache}
	lc := bench.LoadConfig{Endpoint: cfg.ConnectAddr, Options: opts}
	lc.Connections, _ = flagSet.GetInt("connections")
	lc.Requests, _ = flagSet.GetInt("requests")
	lc.Rate, _ = flagSet.GetInt("rate")
	lc.Window, _ = flagSet.GetInt("window")
	lc.PayloadSize, _ = flagSet.GetInt("payload-size")
	lc.Mode, _ = flagSet.GetString("mode")
	lc.Type, _ = flagSet.GetUint32("type")
	loopback, _ := flagSet.GetBool("loopback")

	n, err := node.New(context.Background(), cfg, "rdmarpc-client")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start node")
	}
	lc.Registerer = n.Registry()

	err = n.Run(func(ctx context.Context) error {
		if loopback {
			srv := rpc.NewServer(n.Device(), bench.Handler, opts)
			if err := srv.Listen(cfg.ConnectAddr, 128); err != nil {
				return err
			}
			defer srv.Close()
		}

		log.Info().
			Str("endpoint", lc.Endpoint).
			Str("mode", lc.Mode).
			Int("connections", lc.Connections).
			Int("requests", lc.Requests).
			Int("rate", lc.Rate).
			Msg("Starting load")
		rep, err := bench.RunLoad(ctx, n, lc)
		log.Info().
			Int("requests", rep.Requests).
			Int("errors", rep.Errors).
			Dur("elapsed", rep.Elapsed).
			Float64("req_per_sec", rep.Throughput()).
			Dur("min", rep.Min).
			Dur("mean", rep.Mean).
			Dur("p50", rep.P50).
			Dur("p99", rep.P99).
			Dur("max", rep.Max).
			Uint64("batches", rep.Batches).
			Uint64("messages", rep.Messages).
			Msg("Load finished")
		return err
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Client failed")
	}
}
