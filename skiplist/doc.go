// Package skiplist implements the ordered in-memory index used by the memtable.
//
// Keys are byte strings ordered lexicographically; duplicates are not allowed
// and inserting an existing key replaces its value in place. Keys and values
// are copied on insert.
//
// # Concurrency
//
// Nodes live in an arena and are linked through atomic handles. A node's
// forward links are all set before it is spliced into level 0, and upper
// levels are linked afterwards, so no reader ever sees a partially built
// node. Removal marks the node's links, unlinks it and retires the handle to
// an epoch manager; the slot is reused only after every reader that might
// still traverse it has finished.
//
// Mutations of a key hold the key's stripe of the configured lock.Striped
// lock across traversal and splice. With one stripe all mutations are
// serialized. Lookups and iteration take no lock.
//
// # Hints
//
// FindHint consults a small caller-owned cache of the positions of previous
// lookups. A hint is validated before use and only ever shortens the search.
package skiplist
