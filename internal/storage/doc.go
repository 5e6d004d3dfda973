// Package storage persists repeated task run history.
//
// It currently supports:
//   - Run appends (one row per job invocation)
//   - Recent run queries per task
//   - Pruning and incremental vacuum, driven by housekeeping jobs
package storage
