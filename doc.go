// Package canvas provides workflow composition for Go job queues: chains,
// groups and chords built from task signatures and driven forward by a
// stateless completion coordinator.
//
// canvas is designed for backend services that already run background jobs
// and want to compose them without a central orchestrator. Each composition
// is dispatched as ordinary jobs; the shape of the workflow travels inside
// the job payloads, and the only shared state is a small barrier record per
// in-flight chord.
//
// # Core Concepts
//
// The canvas programming model is intentionally small:
//
//  1. Task and Registry
//  2. Signature, Chain, Group and Chord
//  3. Coordinator and BarrierStore
//  4. Worker
//  5. LocalRunner and WorkerBundle
//
// # Tasks
//
// A Task is a named Handler registered in a Registry. The Registry dispatches
// jobs into a Queue:
//
//	reg := canvas.NewRegistry(queue)
//	add := reg.MustRegister("add", func(ctx context.Context, kw canvas.Kwargs) (any, error) {
//	    a, _ := canvas.Arg[int](kw, "a")
//	    b, _ := canvas.Arg[int](kw, "b")
//	    return a + b, nil
//	})
//
// # Composition
//
// A Signature binds a task to keyword arguments and dispatch options.
// Signatures compose into:
//
//   - Chain: each job receives the previous result under the reserved
//     result key; only the first job is dispatched up front.
//   - Group: every member is dispatched at once and independently.
//   - Chord: a group header plus a body that runs exactly once with every
//     header result, in completion order.
//
// Example:
//
//	canvas.NewChain(add.S(canvas.Kwargs{"a": 2, "b": 2}), addTo.S(canvas.Kwargs{"n": 4}), mul.S(canvas.Kwargs{"by": 2})).
//	    Apply(ctx, nil)
//
//	canvas.NewChord(canvas.NewGroup(add.S(...), add.S(...)), sum.S(nil)).
//	    Apply(ctx, nil)
//
// # Coordinator
//
// The Coordinator is invoked once per successful job. It reads workflow
// metadata from the job's kwargs and either dispatches the next chain hop or
// counts the job towards its chord barrier. The barrier lives in a
// BarrierStore whose single atomic increment-append-and-return operation
// guarantees the chord body fires exactly once, no matter how completions
// interleave across workers.
//
// Barrier stores are available for:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres (package canvas/postgres)
//   - Redis (package canvas/redis)
//   - MongoDB (package canvas/mongo)
//
// A closed chord whose callback could not be dispatched keeps its barrier;
// Coordinator.FinalizeChord retries the dispatch.
//
// # Worker
//
// A Worker pulls jobs from a queue, runs their handlers with retries, and
// reports successful jobs to the Coordinator. Failed jobs are never reported,
// so a chain stops at its first permanently failing hop and a chord with a
// failed header member never fires.
//
// Options.Queue routes a task to a named queue and Config.Queues picks the
// queues a worker consumes. Jobs sharing an Options.Lock never run
// concurrently.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory queue, registry, barrier store,
// coordinator and worker into a single process-local helper for development
// and unit tests. It is intentionally **not crash-durable**; NewSQLiteBundle
// provides the durable equivalent on top of one SQLite database.
//
// For a runnable demo, see examples/canvas.
package canvas
