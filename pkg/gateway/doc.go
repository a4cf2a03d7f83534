/*
Package gateway wraps every HTTP call to the task server with uniform retry,
timeout, and error classification.

A Session owns the persistent default headers (API key, container id,
service identity) and an http.Client. Two call shapes exist:

  - Do returns the raw response whatever its status code; used by the
    filestore for streamed downloads where 200/404/other map to different
    task outcomes.
  - DoAPI parses the server's {"api_response": ...} envelope and converts
    error statuses into typed errors.

# Failure classification

Transport-transient failures are retried, indefinitely unless the caller
bounds them with MaxRetry:

  - connection refused / unreachable: logged once, then every 10th retry
  - timeout: logged as a warning, retried

Everything else is terminal for the call:

  - 400 with an api_error_message body: *ServerError
  - other non-2xx status: *StatusError
  - any other transport error: returned as-is

A bounded retry budget that expires without an answer yields ErrNoResponse,
an explicit third state distinct from success and typed failure so callers
never have to guess whether a nil response is retryable.

# Backoff

Backoff doubles per attempt and is capped at 2 seconds; from the 8th attempt
on the session retries at most once per 2 seconds. Request bodies that
implement Rewindable are rewound before each retry so retried uploads resend
full content.
*/
package gateway
