// Package packer runs the packaging tool over a queue of manifests.
//
// Jobs start strictly in queue order and at most Concurrency of them run at
// once; a queued job is launched only after a running one has exited. A job
// that cannot be launched, or whose process exits with a non-zero status,
// is recorded and the queue moves on. PackAll returns once every job has
// reached a final state, including when the queue is empty.
package packer
