// Package xlog centralizes logger construction so every subsystem gets a
// consistently named, consistently configured logger.
package xlog

import logging "github.com/ipfs/go-log/v2"

// Logger returns a named logger. Names follow the "xnetwork/<subsystem>"
// convention so `GOLOG_LOG_LEVEL=xnetwork/xstream=debug` works the way
// go-libp2p's own `GOLOG_LOG_LEVEL=net/identify=debug` does.
func Logger(name string) *logging.ZapEventLogger {
	return logging.Logger(name)
}
