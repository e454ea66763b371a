/*
Package s3 provides an object storage backend for SAFS part files.

Every block the page cache reads or writes maps to one object, keyed by the
disk the mapper chose, the logical file and the byte offset inside the part
file:

	<prefix>/<disk>/<file>/<offset>

Objects are written whole with PutObject and read with GetObject. A block
that was never written has no object and reads as zeros, matching a sparse
local part file. Objects shorter than the request are zero-extended.

# Concurrency

Requests run on a bounded goroutine pool (Config.Concurrency). Submit blocks
while every worker is busy, which keeps the number of outstanding S3 calls
bounded no matter how many pages the flusher hands over. Each call gets its
own RequestTimeout.

# Configuration

	cfg := s3.NewDefaultConfig()
	cfg.Bucket = "safs-blocks"
	cfg.Prefix = "array0"
	backend, err := s3.NewBackend(ctx, cfg, logger)

Endpoint and ForcePathStyle point the client at S3-compatible stores such
as MinIO. Without an access key the default AWS credential chain is used.
*/
package s3
