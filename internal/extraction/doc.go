// Package extraction defines the bookkeeping record for a per-user, per-source
// background extraction and the error kinds shared by every layer that reads or
// mutates it. It has no I/O and no dependencies on storage drivers.
package extraction
