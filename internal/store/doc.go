// Package store defines the persistence seams used by the supervisor: the
// progress repository and the blob store holding downstream artifacts.
// Implementations live under internal/storage; this package must not import
// database drivers or concrete clients.
package store
