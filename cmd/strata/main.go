// Command strata runs the storage engine behind its HTTP surface.
//
//	strata serve [-config path]
//	strata bench [-config path] [-ops n] [-concurrency n]
//	strata keygen
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	internalhttp "strata/internal/http"
	"strata/pkg/crypto"
	"strata/pkg/engine"
)

const (
	defaultConfigPath = "config.yaml"
	configEnv         = "STRATA_CONFIG"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "bench":
		err = bench(os.Args[2:])
	case "keygen":
		err = keygen()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "strata %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: strata serve|bench|keygen [-config path]")
}

// configFlag registers -config, defaulting to $STRATA_CONFIG.
func configFlag(fs *flag.FlagSet) *string {
	def := os.Getenv(configEnv)
	if def == "" {
		def = defaultConfigPath
	}
	return fs.String("config", def, "path to the YAML config file")
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := initLogger(&cfg)
	if err != nil {
		return err
	}

	opts, err := engine.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	eng, err := engine.Open(cfg.StoragePath, opts)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}

	server := internalhttp.NewServer(eng, cfg.Server, logger)
	if err := server.Start(); err != nil {
		eng.Close()
		return err
	}
	logger.Info("strata is running", "storage_path", cfg.StoragePath, "port", cfg.Server.Port, "identity", eng.Identity())

	<-ctx.Done()
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error("error stopping server", "error", err)
	}
	if err := eng.Close(); err != nil {
		return fmt.Errorf("failed to close engine: %w", err)
	}
	logger.Info("strata stopped")
	return nil
}

func keygen() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(key))
	return nil
}
