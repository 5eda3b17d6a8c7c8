// Package minio archives sealed WAL segments to MinIO or any S3-compatible server.
//
//	store, err := minio.New(minio.Config{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	}, "kvgo", "wal/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = wal.Archive(ctx, store, segmentPath)
package minio
