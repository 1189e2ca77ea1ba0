// Package cli defines the seqflow commands, turns flags and the config
// file into a validated configuration and maps failures to exit codes.
package cli
