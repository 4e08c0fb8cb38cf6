// Package recovery keeps a panicking goroutine from taking the tunnel down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/tzachbaksis/tcpovericmp/internal/logging"
)

// RecoverWithLog must be deferred directly at the top of a goroutine. A
// panic is logged at error level with its stack and then swallowed.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "server.readLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog followed by fn(recovered). Engines
// use fn to release the resource the goroutine owned.
func RecoverWithCallback(logger *slog.Logger, name string, fn func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if fn != nil {
			fn(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	logging.OrNop(logger).Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()))
}
