// Package fs abstracts the file system operations the WAL performs so tests
// can observe and break them.
//
//   - [LocalFS] is the production implementation on top of package os.
//   - [FaultyFS] wraps another FileSystem, counts writes and syncs, and
//     injects failures per file name pattern.
//
// Production code uses fs.Default:
//
//	f, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
//
// Tests inject a FaultyFS:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("wal.log", fs.Fault{FailAfterBytes: 128})
package fs
