// Package chk provides the error-checking helpers used pervasively
// across this codebase: chk.E logs and reports whether err is
// non-nil; chk.T reports the same without logging, for call sites
// that want to add their own context.
package chk

import (
	"runtime"

	"github.com/orlyd/relayd/internal/logging"
)

// E reports whether err is non-nil, logging it at error level with
// the caller's location first.
func E(err error) bool {
	if err == nil {
		return false
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		logging.E.F("%s:%d %v", file, line, err)
	} else {
		logging.E.F("%v", err)
	}
	return true
}

// T reports whether err is non-nil, without logging.
func T(err error) bool {
	return err != nil
}
