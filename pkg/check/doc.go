// Package check provides the public SDK types for vigil check plugins.
// Built-in and third-party plugins implement Plugin and describe themselves
// with a Definition; the engine packages under internal/ only depend on
// these types.
package check
