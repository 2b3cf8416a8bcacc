// Package memory provides process-local implementations of the progress
// repository and blob store for development and tests.
package memory
