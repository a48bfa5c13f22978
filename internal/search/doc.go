// Package search defines the domain model shared by the gateway: requests,
// worker outcomes, the failure taxonomy, and the interfaces implemented by
// the orchestration, storage, and notification layers.
package search
