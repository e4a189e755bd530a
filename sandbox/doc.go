// Package sandbox defines the contract between sandbox sessions and the
// backends that host them.
//
// An Adapter provisions sandboxes, runs commands and touches files inside
// them, and destroys them. Adapters are stateless with respect to sessions:
// everything they need to address a sandbox is in the backend handle they
// return from Create. Optional capabilities such as streaming commands,
// liveness checks, in-sandbox moves, directory transfer and template builds
// are separate interfaces an adapter may also implement.
//
// Implementations live in the container, remote and process subpackages. This
// package also carries the host command runner and the tar helpers they share.
package sandbox
