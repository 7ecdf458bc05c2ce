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
	flagSet := pflag.NewFlagSet("rdmarpc-server", pflag.ExitOnError)
	config.SetupFlags(flagSet)
	flagSet.Int("backlog", 128, "Listen backlog")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if version, _ := flagSet.GetBool("version"); version {
		fmt.Println("rdmarpc server v0.1.0")
		os.Exit(0)
	}

	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.Load(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	backlog, _ := flagSet.GetInt("backlog")

	n, err := node.New(context.Background(), cfg, "rdmarpc-server")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start node")
	}

	srv := rpc.NewServer(n.Device(), bench.Handler, rpc.Options{
		BatchCount: cfg.BatchCount,
		FiberCache: cfg.FiberCache,
	})
	err = n.Run(func(ctx context.Context) error {
		if err := srv.Listen(cfg.ListenAddr, backlog); err != nil {
			return err
		}
		log.Info().Str("addr", cfg.ListenAddr).Int("backlog", backlog).Msg("Server listening")
		<-ctx.Done()
		log.Info().Int("connections", srv.Connections()).Msg("Stopping server")
		return srv.Close()
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
