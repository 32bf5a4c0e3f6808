//go:build unix

package supervisor

import (
	"os"
	"syscall"
)

// gracefulSignal is the OS graceful-termination signal (spec §4.5: "sends
// the OS graceful-termination signal").
var gracefulSignal os.Signal = syscall.SIGTERM
