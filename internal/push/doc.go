// Package push defines the task, run, and result types shared by the scheduler,
// the run pipeline, the storage backends, and the HTTP API, together with the
// interfaces each subsystem implements.
package push
