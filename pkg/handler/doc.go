/*
Package handler implements the task handler run loop, the core of Courier.

One task is in flight at a time. Each cycle walks a fixed state machine:

	WAITING_FOR_TASK -> DOWNLOADING_FILE -> DOWNLOADING_FILE_COMPLETED
	  -> PROCESSING -> RESULT_FOUND | ERROR_FOUND | FILE_NOT_FOUND

The handler acquires a task from the server, downloads and verifies the
file it refers to, hands a serialized descriptor to the worker over the IPC
channel, waits for the completion message, then reports either the result
(uploading any produced files the server is missing) or a structured error
record. The working directory is wiped between tasks; only the fifos and
the manifest survive.

Failures inside a task cycle end that task, never the loop. The loop ends
on an explicit stop, on the configured task limit, or when the server drops
the keep-alive at registration. Stop grace depends on where the handler is:
an in-flight task request may still yield a task, so the full request wait
plus service timeout is allowed before the process gives up.
*/
package handler
