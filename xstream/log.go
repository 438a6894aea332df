package xstream

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/solarw/xnetwork/internal/xlog"
)

func xlogLogger(name string) *logging.ZapEventLogger {
	return xlog.Logger(name)
}
