// Package app wires configuration, the catalog backend, the scheduler and
// the job engine into runnable commands, decoupled from the CLI that
// invokes them.
package app
