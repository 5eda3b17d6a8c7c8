// Package arena provides a handle-addressed slab allocator for index nodes.
//
// Values of type T live in fixed-size chunks that are never moved or returned
// to the runtime while the arena is alive, so a handle stays dereferenceable
// even after it has been freed. Every slot carries a generation counter that
// is bumped on Free, which lets callers detect that a cached handle now refers
// to a different value.
//
// Handle 0 is reserved as the nil handle.
//
// # Concurrency
//
// Alloc, Free, Get and Gen are safe for concurrent use. Freeing a handle that
// a concurrent reader may still dereference is the caller's responsibility;
// the skip list defers Free through package epoch.
package arena
