// Package s3 archives sealed WAL segments to Amazon S3.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("wal/"),
//	    s3.WithRegion("us-east-1"),
//	)
//	err = wal.Archive(ctx, store, segmentPath)
//
// Streaming writes go through the multipart upload manager with CRC32C
// validation; small puts are single requests carrying the checksum.
package s3
