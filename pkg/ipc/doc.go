/*
Package ipc implements the two-fifo handoff between Courier and the worker
process.

The worker creates two named pipes at agreed paths. Courier opens the task
fifo write-only and the done fifo read-only. One task flows at a time:

	courier --(descriptor path + "\n")--> task fifo --> worker
	courier <-- ["result path", "STATUS"] <-- done fifo <-- worker

The completion message is a single line holding a two-element JSON array:
the path of the result or error descriptor, and the terminal status the
worker assigns. A line that does not parse that way is a channel fault, not
a task outcome: both endpoints are invalidated and the current task is
marked failed; the channel must be reconnected (or the process exits, in
container mode) before the next task.

Waits are cancellable. Connect polls for fifo existence so Courier can start
before the worker; AwaitCompletion honors the stop channel but keeps the
inbound fifo open for a grace period, since a worker that was mid-task may
still deliver its final message during shutdown.
*/
package ipc
