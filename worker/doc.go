/*
Package worker owns the lifecycle of tool worker processes: spawning them with an explicitly built environment, probing liveness, and stopping them.

A worker is started in its own process group so that signals aimed at the gateway are not delivered to it implicitly, and so that stopping it also reaches any children it spawned.

The lifecycle of a Process is:

	NotStarted -> Starting -> Ready -> (Degraded | Terminated)

Degraded is entered when the stdout stream closes while the process is still alive, which means the JSON-RPC framing can no longer be trusted.
Terminated is entered when the process exits, and supersedes every other state.

Stdout is handed to the caller (normally an rpc.Bridge) unread. Stderr is never parsed; it is drained into a bounded line buffer so that recent diagnostics can be inspected after a failure.
*/
package worker
