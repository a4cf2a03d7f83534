/*
Package types defines the data model shared across Courier components.

The central type is Task: one unit of analysis work identified by a
submission id and the sha256 of the file to analyze. A task is acquired from
the task server, serialized to a descriptor file for the worker, and
destroyed once its outcome has been reported. At most one task is in flight
per handler instance at any time.

Status models the handler state machine:

	INITIALIZING → WAITING_FOR_TASK → DOWNLOADING_FILE
	    → DOWNLOADING_FILE_COMPLETED | FILE_NOT_FOUND
	    → PROCESSING → RESULT_FOUND | ERROR_FOUND
	    → (back to WAITING_FOR_TASK, or STOPPING)

ErrorRecord is the structured error reported to the server when a task
terminates without a result, so the central system always learns the fate of
a task even when the worker cannot supply a report of its own.

All wire structures carry json tags matching the task server's API; the
manifest (YAML) lives in pkg/manifest instead.
*/
package types
