// florestad is the utreexo chainstate daemon: it keeps a pruned,
// accumulator-backed view of the chain and validates blocks fed to it.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/luisschwab/Floresta/chain"
	"github.com/luisschwab/Floresta/chainstore"
)

func main() {
	if err := run(); err != nil {
		mainLog.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.NoFileLogging {
		if err := initLogRotator(
			filepath.Join(cfg.DataDir, "logs", defaultLogFilename)); err != nil {
			return err
		}
		defer logRotator.Close()
	}
	if err := setLogLevel(cfg.DebugLevel); err != nil {
		return err
	}

	var store chainstore.ChainStore
	switch cfg.Backend {
	case "flatfile":
		store, err = chainstore.OpenFlatFileStore(
			filepath.Join(cfg.DataDir, "chainstate"))
	default:
		store, err = chainstore.OpenLevelDBStore(
			filepath.Join(cfg.DataDir, "chainstate"))
	}
	if err != nil {
		return err
	}
	defer store.Close()
	mainLog.Infof("chain store open (%s backend)", cfg.Backend)

	chainState, err := chain.New(&chain.Config{
		Store:           store,
		Params:          cfg.params,
		RetentionWindow: cfg.Retention,
	})
	if err != nil {
		return err
	}
	tip := chainState.Tip()
	mainLog.Infof("%s chain at height %d, tip %s", cfg.params.Name, tip.Height, tip.Hash)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pruner := chain.NewPruner(chainState, 0)
	go pruner.Run(ctx)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt
	mainLog.Infof("received %v, shutting down", sig)
	cancel()
	return nil
}
