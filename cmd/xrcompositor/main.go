// Command xrcompositor runs the compositor frame loop against a chosen
// presentation target, for bring-up and pacing experiments.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/ToasterUwU/monado"
	"github.com/ToasterUwU/monado/compositor"
	"github.com/ToasterUwU/monado/debugvar"
	"github.com/ToasterUwU/monado/device"
	"github.com/ToasterUwU/monado/driver"
	"github.com/ToasterUwU/monado/driver/headless"
	wgpudrv "github.com/ToasterUwU/monado/driver/wgpu"
	"github.com/ToasterUwU/monado/mirror"
	"github.com/ToasterUwU/monado/target"
	"github.com/ToasterUwU/monado/target/window"

	// Registered presentation targets, probed in priority order.
	_ "github.com/ToasterUwU/monado/target/debugimg"
	_ "github.com/ToasterUwU/monado/target/direct"
	_ "github.com/ToasterUwU/monado/target/window"
)

func main() {
	var (
		targetName = flag.String("target", "auto", "presentation target: auto, direct, window or debugimg")
		driverName = flag.String("driver", "headless", "graphics driver: headless or wgpu")
		frames     = flag.Int("frames", 300, "frames to draw, 0 = run until the window closes")
		width      = flag.Int("width", 1280, "preferred target width")
		height     = flag.Int("height", 720, "preferred target height")
		hz         = flag.Float64("hz", 90, "nominal display refresh rate")
		mirrorDir  = flag.String("mirror", "", "dump mirror frames as PNG into this directory")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	monado.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var drv driver.Device
	switch *driverName {
	case "headless":
		drv = headless.New()
	case "wgpu":
		d, err := wgpudrv.New()
		if err != nil {
			log.Fatalf("opening wgpu device: %v", err)
		}
		drv = d
	default:
		log.Fatalf("unknown driver %q", *driverName)
	}
	defer drv.Destroy()

	xdev := device.NewSimulated(device.SimulatedConfig{})

	opts := []compositor.Option{
		compositor.WithPreferredExtent(*width, *height),
		compositor.WithNominalFrameInterval(time.Duration(float64(time.Second) / *hz)),
	}
	if *targetName != "auto" {
		tgt := target.Get(*targetName, nil)
		if tgt == nil {
			log.Fatalf("unknown target %q (registered: %v)", *targetName, target.Available())
		}
		opts = append(opts, compositor.WithTarget(tgt))
	}

	var sink *mirror.Sink
	if *mirrorDir != "" {
		sink = mirror.New(mirror.WithDump(*mirrorDir))
		sink.SetActive(true)
		opts = append(opts, compositor.WithMirror(sink))
	}

	c, err := compositor.New(xdev, drv, opts...)
	if err != nil {
		log.Fatalf("creating compositor: %v", err)
	}
	defer c.Destroy()
	c.AddDebugVars()

	// Window targets need their event queue pumped from the main thread.
	win, _ := c.Target().(*window.Target)

	for i := 0; *frames == 0 || i < *frames; i++ {
		if win != nil {
			win.PollEvents()
			if win.ShouldClose() {
				break
			}
		}
		if err := c.Draw(); err != nil {
			log.Fatalf("frame %d: %v", i, err)
		}
	}

	snap := debugvar.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		log.Printf("%s = %v", name, snap[name])
	}
	if sink != nil {
		accepted, skipped := sink.Stats()
		log.Printf("mirror: %d frames accepted, %d skipped", accepted, skipped)
	}
}
