// Package api contains the core building blocks of canvas: the workflow
// composition model, the wire metadata threaded through job payloads, and the
// capability interfaces the coordinator is built against.
//
// Most users interact with the higher-level canvas package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations: alternative task registries, barrier stores, or
// hosting engines.
//
// # Composition
//
// A Signature describes one task invocation: a task, its keyword arguments,
// and its dispatch options. Signatures compose into three shapes:
//
//   - Chain: signatures run one after another, each receiving the previous
//     result under ResultKey.
//   - Group: signatures dispatched together with no ordering between them.
//   - Chord: a Group header plus a body signature that runs exactly once,
//     after every header member has completed, with all header results.
//
// Applying a composition only dispatches its first jobs. Everything that
// happens afterwards is driven by metadata embedded in job kwargs and read
// back by the completion coordinator when a job succeeds.
//
// # Wire metadata
//
// Continuation and chord membership metadata live under reserved kwarg keys
// prefixed with ReservedPrefix. Task descriptors carry a schema version so an
// in-flight workflow written by an older deployment is either understood or
// rejected loudly, never misread.
//
// # Capabilities
//
// The coordinator depends on two capabilities only:
//
//   - TaskRegistry resolves task names and produces Deferrers that submit
//     jobs.
//   - BarrierStore persists chord barriers and provides the single atomic
//     increment-append-and-return operation the chord protocol relies on.
//
// # Observability
//
// Observer receives coordination events. LoggingObserver writes them with
// log/slog, BasicMetrics counts them, and CompositeObserver fans out to
// several observers.
package api
