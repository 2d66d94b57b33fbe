// Package monado implements the compositor core of an XR runtime: the
// frame-timing and renderer coordination subsystem that sits between device
// drivers and the display hardware.
//
// # Overview
//
// The compositor predicts when each frame must be submitted to the display,
// coordinates GPU rendering across one or more presentation targets, and
// guarantees that late or failed frames degrade gracefully instead of
// corrupting presentation state.
//
// The core pieces:
//
//   - frame: monotonically increasing frame ids and the waited/rendering
//     lifecycle slots.
//   - pacing: converts a rolling history of timestamps into wake-up,
//     present and display-time predictions.
//   - target: the polymorphic presentation abstraction (direct display,
//     window, debug image) with acquire/present/resize semantics.
//   - scratch: per-view intermediate render targets with an explicit
//     get/done/discard ring lifecycle.
//   - compositor: the per-frame coordinator driving acquire, dispatch,
//     submit, present and wait-for-present.
//   - mirror: a best-effort debug sink fed from scratch images.
//   - driver: the thin graphics-context contract, with a headless CPU
//     implementation and one backed by gogpu/wgpu.
//
// # Quick Start
//
//	drv := headless.New()
//	dev := device.NewSimulated(device.SimulatedConfig{})
//	c, err := compositor.New(dev, drv)
//	if err != nil {
//	    // handle startup failure
//	}
//	defer c.Destroy()
//
//	for running {
//	    if err := c.Draw(); err != nil {
//	        break // fatal graphics error; recoverable issues are absorbed
//	    }
//	}
//
// # Logging
//
// By default the package produces no log output. Call SetLogger to enable
// logging for the compositor and all its sub-packages.
package monado
