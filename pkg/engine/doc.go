// Package engine holds what the scheduler shares with the resource manager
// side: the classified errors, the Driver and Handler contracts, and the
// drivers themselves.
//
// # Errors
//
// EngineError classifies failures as transient, conflict or permanent and
// carries a code for programmatic handling:
//
//	return engine.PersistenceError("store task record", name, err)
//
//	if engine.IsPersistence(err) { ... }
//	if engine.IsRetryable(err) { ... }
//
// # Drivers
//
// A Driver applies the decisions of one offer cycle: Accept applies an
// ordered list of operations to one offer, Decline hands unused offers
// back. Two drivers are provided:
//
//   - Bridge speaks the JSON-lines protocol of pkg/protocol over any reader
//     and writer pair, typically the stdin and stdout of offerd serve.
//   - Recorder keeps the decisions in memory for dry runs and tests.
//
// The Bridge also runs the inbound side: OFFERS and STATUS lines are passed
// to a Handler, which is the scheduler.
//
//	bridge := engine.NewBridge(os.Stdin, os.Stdout, &engine.BridgeConfig{Logger: logger})
//	sched := scheduler.New(&scheduler.Config{Driver: bridge, ...})
//	err := bridge.Run(ctx, sched)
package engine
