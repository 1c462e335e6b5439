// Package publisher delivers normalized change events to the downstream
// sinks.
//
// # Architecture
//
// The Engine owns one TableWorker per tracked table. Each worker reads its
// table's bounded queue and hands one event at a time to the Dispatcher,
// which fans it out to every routed sink concurrently:
//
//	Engine.Submit -> table queue -> TableWorker -> Dispatcher -> {bus, columnar, search_index}
//
// A worker only takes the next event once every sink reached a terminal
// state for the current one. Delivery is therefore ordered per (table, sink)
// but not across tables or across sinks.
//
// # Retries and dead letters
//
// Each sink write runs with its own attempt timeout and is retried with
// exponential backoff (RetryPolicy). Errors wrapped with Permanent skip the
// remaining attempts. A pair that still fails is appended to the dead-letter
// log and counts as terminal, so it never blocks the table. Replayer re-applies
// dead letters later through the same retry path.
//
// # Checkpoints
//
// After an event is terminal on every sink the worker stores its sequence as
// the table checkpoint. On restart the reader resumes after the lowest
// checkpoint and workers skip what they already finished:
//
//	/checkpoint/{table}  -> uint64 (last terminal sequence)
//
// # Routing
//
// GlobFilter restricts a sink to a set of tables:
//
//	filter, err := NewGlobFilter([]string{"content", "nft*"})
//	if err != nil {
//		return err
//	}
//	filter.Match("Content") // true, matching is case-insensitive
//
// Sinks and transformers register factories by name (RegisterSink,
// RegisterTransformer) and BuildRoutes creates the enabled ones from the
// configuration.
package publisher
