package chain

import "github.com/btcsuite/btclog"

// log is the package logger, disabled until the caller wires one in.
var log = btclog.Disabled

// UseLogger sets the logger for the chain package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
