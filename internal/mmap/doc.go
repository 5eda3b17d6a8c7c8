// Package mmap maps files read-only into memory.
//
// WAL recovery uses a mapping to scan a log without copying it through
// read buffers:
//
//	m, err := mmap.Open(path)
//	if err != nil { ... }
//	defer m.Close()
//	_ = m.Advise(mmap.AccessSequential)
//	data := m.Bytes()
//
// Unix platforms use mmap(2)/madvise(2); Windows uses CreateFileMapping and
// treats Advise as a no-op. Bytes must not be used after Close.
package mmap
