// Package artifact implements the file-based result handoff between the
// gateway and its worker processes.
//
// Each invocation gets its own artifact path derived from the request id
// (results-<id>.json). A worker may write <path>.tmp and rename it into
// place; the reader only ever opens the final name. Workers run inside a
// private run-<id> directory, so anything they stage under a relative name
// stays out of other invocations' way. The Janitor removes orphaned
// artifacts and run directories and never touches a path reserved by an
// in-flight invocation.
package artifact
