package main

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

const (
	defaultLogFilename = "florestad.log"
	defaultLogLevel    = "info"
)

var defaultDataDir = btcutil.AppDataDir("florestad", false)

type config struct {
	DataDir       string `short:"b" long:"datadir" description:"Directory for chain data and logs"`
	Backend       string `long:"backend" description:"Chain store backend" choice:"leveldb" choice:"flatfile" default:"leveldb"`
	TestNet       bool   `long:"testnet" description:"Use the test network"`
	RegTest       bool   `long:"regtest" description:"Use the regression test network"`
	Retention     int32  `long:"retention" description:"Blocks of undo data to keep; bounds reorg depth" default:"288"`
	DebugLevel    string `short:"d" long:"debuglevel" description:"Logging level: trace, debug, info, warn, error, critical"`
	NoFileLogging bool   `long:"nofilelogging" description:"Log only to stdout"`

	params *chaincfg.Params
}

// loadConfig parses flags and resolves the data directory for the
// selected network.
func loadConfig() (*config, error) {
	cfg := &config{
		DataDir:    defaultDataDir,
		DebugLevel: defaultLogLevel,
	}
	if _, err := flags.Parse(cfg); err != nil {
		return nil, err
	}

	numNets := 0
	cfg.params = &chaincfg.MainNetParams
	if cfg.TestNet {
		numNets++
		cfg.params = &chaincfg.TestNet3Params
	}
	if cfg.RegTest {
		numNets++
		cfg.params = &chaincfg.RegressionNetParams
	}
	if numNets > 1 {
		return nil, errors.New("testnet and regtest are mutually exclusive")
	}

	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), cfg.params.Name)
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	return cfg, nil
}

func cleanAndExpandPath(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
