package supervisor

import "os"

// gracefulSignal: Windows processes don't support SIGTERM-style graceful
// signals through os.Process.Signal, so the grace period is skipped and
// Stop falls straight to the forceful path.
var gracefulSignal os.Signal = os.Kill
