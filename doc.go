// Package jobsched provides the background job scheduling substrate of
// the API facade: a bounded priority work queue, an execution engine with
// retries, an in-process event bus and a uniform service lifecycle.
//
// Architecture overview
//
// The scheduler is composed of four loosely coupled layers:
//
//  1. Queueing (PriorityWorkQueue)
//     Orders work items by priority, then by creation time. Items with a
//     future scheduled_for wait in a separate time-ordered heap and are
//     promoted once due. Dequeue blocks until an item is eligible or the
//     caller's context is done.
//
//  2. Execution (Engine)
//     One or more worker loops dequeue items and run them inside a fresh
//     dependency Scope. Failures are retried after a fixed delay up to
//     the item's MaxRetries, then finalized as Failed.
//
//  3. Observation (EventBus)
//     Lifecycle events are fanned out to independent handlers. A failing
//     handler is logged and isolated from the publisher and from the
//     other handlers.
//
//  4. Supervision (Lifecycle, Manager)
//     Every long-running process embeds Lifecycle for start/stop,
//     heartbeat, derived health and a metrics map. The Manager keeps the
//     registry of services and samples queue and service statistics.
//
// Work item lifecycle
//
//	Queued -> Running -> Completed
//	                  -> Retrying -> Queued
//	                  -> Failed
//	                  -> Canceled
//
// A retry re-enters the queue with scheduled_for = now + RetryDelay and
// keeps its original creation time, so it does not overtake older work of
// the same priority. Canceled is reserved for items whose work func
// returned a context error after the engine began shutting down.
//
// Error handling
//
// The package distinguishes four classes of errors:
//
//   - Capacity errors: Enqueue on a full queue returns *QueueFullError
//   - Job errors: returned by work funcs or produced by panic recovery
//   - Loop-level errors: failures around a job, such as a scope that
//     cannot be opened
//   - Handler errors: returned or raised by event bus subscribers
//
// None of them is fatal to the process. Job and loop-level errors are
// reported via user-provided hooks; a loop-level error stops a worker only
// when ContinueOnError is disabled, in which case the engine reports
// itself unhealthy.
//
// Cancellation
//
// Stopping a service cancels one context that reaches every blocked
// Dequeue, the context of each running work func and every periodic
// ticker. Work funcs are expected to observe it cooperatively.
package jobsched
