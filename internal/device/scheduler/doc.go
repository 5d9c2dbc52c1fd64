// Package scheduler decides when sync cycles run. A single goroutine owns
// the state machine, so at most one cycle is ever in flight:
//
//	idle    -> syncing        periodic timer or manual trigger
//	syncing -> idle           cycle succeeded
//	syncing -> backoff        cycle failed, retry with exponential delay
//	syncing -> offline        server unreachable
//	offline -> idle           connectivity probe succeeds, immediate catch-up
//
// Manual triggers issued while a cycle runs coalesce into one follow-up
// cycle and all receive its result. Triggers are honored even while
// offline, so a user can force an attempt.
package scheduler
