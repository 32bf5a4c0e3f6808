package supervisor

import (
	"os"
	"strconv"
)

// processAlive stats /proc/<pid>, matching the original health monitor's
// Unix process-liveness probe.
func processAlive(pid int) bool {
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	return err == nil
}
