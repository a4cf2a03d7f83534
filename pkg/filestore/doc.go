/*
Package filestore moves file content between the local tasking directory and
the remote filestore, always verified by content hash.

Downloads are streamed to a path named by the requested sha256 and hashed on
the way down; a digest mismatch is an error, never silently tolerated. The
distinct error values matter: the handler maps a malformed hash, an absent
file (404), corrupt content, retry exhaustion and generic failure to
different task outcomes.

Uploads are multipart PUTs carrying the file's hash, classification, ttl and
section-image/supplementary flags as headers. The body is rewindable so the
gateway can replay the full content on retry, and a server-side hash
rejection comes back as ErrUploadRejected so callers never blindly re-send
content the server already proved corrupt.
*/
package filestore
