// Package queue defines the append-only event queue a crank consumes.
//
// Producers append at the tail; a consumer peeks the oldest entries,
// processes them, and then consumes through the last processed sequence
// number. Until Consume runs, a Peek of the same size returns the same
// entries, which lets an interrupted consumer redo its work exactly.
//
// [Memory] keeps entries in process. [Redis] stores them in a Redis
// Stream whose entry IDs carry the sequence numbers. A [Provider] maps
// the queue handle recorded on a crank to the queue itself.
package queue
