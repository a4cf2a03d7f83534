/*
Package manifest reads and maintains the service manifest file shared with
the worker process.

The worker owns the file: it declares the service identity (name, version,
tool version), whether tasks need their file downloaded, the per-task
timeout, heuristics and submission parameters. Courier waits for the file to
appear, sends the whole document to the task server at registration, and
writes back any configuration the server returns so the worker picks it up.
The server is never allowed to override the declared version.

The raw YAML document is kept alongside the typed view so keys this process
does not understand survive the round trip.
*/
package manifest
