// Command ultracpu is a minimal demonstration harness for the dynarec
// core: it loads a raw boot image into guest RAM at a fixed base
// address, runs it until the first exit that is not a chain (a BREAK, a
// trap, or any syscall, resolved or not), and prints the statistics
// registry on exit. It is not the
// outer emulator shell — no video, no audio, no HLE modules beyond
// whatever the caller registers before Run — only a smoke-test harness
// for exercising internal/cpu directly.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pspultra/allegrex/internal/codegen"
	"github.com/pspultra/allegrex/internal/cpu"
	"github.com/pspultra/allegrex/internal/memmap"
	"github.com/pspultra/allegrex/pkg/log"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

const (
	ramBase = 0x08000000
	ramSize = 0x02000000 // 32MB, matching the PSP's user memory partition
)

func main() {
	bootPath := flag.String("boot", "", "path to a raw boot image loaded at 0x08000000")
	entry := flag.Uint("entry", ramBase, "guest PC to start execution at")
	tracePath := flag.String("trace", "", "trace file path (only meaningful when built with -tags trace)")
	verbose := flag.Bool("v", false, "enable debug-level logging")
	flag.Parse()

	if *bootPath == "" {
		fmt.Fprintln(os.Stderr, "ultracpu: -boot is required")
		os.Exit(2)
	}

	if *verbose {
		log.Init(log.Options{LogLevel: zerolog.DebugLevel, Type: log.ConsoleLogger})
	}

	image, err := os.ReadFile(*bootPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ultracpu: read boot image: %v\n", err)
		os.Exit(1)
	}
	if len(image) > ramSize {
		fmt.Fprintf(os.Stderr, "ultracpu: boot image (%d bytes) exceeds ram size (%d bytes)\n", len(image), ramSize)
		os.Exit(1)
	}

	ram := make([]byte, ramSize)
	copy(ram, image)

	mem := memmap.New()
	mem.AddRegion(&memmap.Region{
		Name: "ram", Base: ramBase, Size: ramSize,
		Host: ram, Flags: memmap.Readable | memmap.Writable | memmap.Executable,
	})
	mem.AddRegion(&memmap.Region{
		Name: "scratchpad", Base: 0x00010000, Size: 0x00004000,
		Host: make([]byte, 0x00004000), Flags: memmap.Readable | memmap.Writable,
	})

	c, err := cpu.New(mem, cpu.Options{TracePath: *tracePath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ultracpu: build cpu: %v\n", err)
		os.Exit(1)
	}
	defer c.Cleanup()

	if err := c.SetupGame(uint32(*entry)); err != nil {
		fmt.Fprintf(os.Stderr, "ultracpu: setup game: %v\n", err)
		os.Exit(1)
	}

	c.Start()
	defer c.Stop()

	for {
		reason, err := c.ExecuteBlock()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ultracpu: execution stopped: %v\n", err)
			break
		}
		if reason != codegen.ReasonChain {
			log.Root.Info().Str("reason", reason.String()).Msg("run finished")
			break
		}
	}

	c.PrintStatistics()
}
