// Package supervisor owns every mutation of extraction progress records. It
// applies the lifecycle state machine over a store.ProgressRepository, detects
// and recovers stale runs, and annotates records with derived metrics for
// readers. Time always comes from the injected clock.
package supervisor
