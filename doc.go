// Package strata is a multi-tier cache engine: an in-process fast tier, a
// shared Redis tier and an in-process extended tier, read in cascade with
// promotion and written with per-tier fan-out.
//
// Basic usage:
//
//	engine, err := strata.New(
//		strata.WithRemote("localhost:6379", "", 0),
//		strata.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	if err := engine.Initialize(ctx); err != nil {
//		return err
//	}
//	defer engine.Shutdown()
//
//	ok, err := engine.Set(ctx, "listing:42", listing, time.Minute, strata.WithPriority(strata.PriorityHigh))
//	found, err := engine.Get(ctx, "listing:42", &listing)
package strata
