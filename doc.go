// Package mantis generates synthetic CPU, memory, disk and network load
// at a controlled rate, for exercising schedulers, capacity planners and
// monitoring pipelines against a known, reproducible workload.
//
// # Overview
//
// A worker is one of four resource classes — CPU, MEM, DISK, NET — each
// driving a fixed-capacity table of slots (registry.go). Every worker
// runs an epoch loop (epoch.go) that paces a target amount of work per
// wall-clock second using calibration constants measured once at
// startup (calibrate.go): second_count (plain loop iterations per
// second) and prng_count (PRNG draws per second) anchor CPU-worker rate
// math to the host machine's actual speed rather than a hardcoded
// assumption.
//
// Workers can be chained into a link (link.go): a ring of workers that
// hand off to each other once each member completes its configured
// share of work, and can depend on other workers finishing first via an
// after-dependency (after.go). A lock manager (lock.go) enforces a
// single total order across the seven process-wide locks, the four
// per-class locks, and the per-slot locks, so every multi-slot operation
// — link insertion, after resolution, info snapshots — acquires its
// locks in the same ascending order no matter which goroutine runs it.
//
// # Command protocol
//
// A single mailbox (master.go) serializes every externally-driven
// change: wctl (add/mod/del/start a worker), link (add/start/kill a
// chain), info (render a JSON snapshot), wait (block until matching
// workers exit), helo and quit. Commands arrive as text lines, parsed by
// internal/input, and are turned into registry/link/after calls by a
// Dispatcher (dispatch.go) — the one place command text becomes engine
// state.
//
// # Observability
//
// Lifecycle and diagnostic events are emitted as capitan signals
// (signals.go) — worker registration, reload, exit and missed
// deadlines; link start and hand-off; after resolution; lock-order
// violations — so a CLI or test can subscribe without polling. Each
// worker's full run is also wrapped in a tracez span, and every worker
// exit is published on a hookz channel (workerruntime.go) for
// subscribers that want a typed event rather than a loosely-typed
// signal payload. A Stats aggregate (stats.go), guarded by its own lock,
// keeps running totals of registrations, reaps and missed deadlines;
// "info" renders per-worker snapshots and does not include these totals.
package mantis
