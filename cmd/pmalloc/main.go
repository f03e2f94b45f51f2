// Command pmalloc inspects allocator configurations and runs synthetic
// workloads against them.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/holmberd/go-pmalloc"
	"github.com/holmberd/go-pmalloc/internal/pool"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "TOML configuration file",
	EnvVars: []string{pmalloc.EnvConfig},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pmalloc",
		Usage: "pool allocator tooling",
		Commands: []*cli.Command{
			{
				Name:   "layout",
				Usage:  "validate a configuration and print its pool layout",
				Flags:  []cli.Flag{configFlag},
				Action: layout,
			},
			{
				Name:  "bench",
				Usage: "run a random malloc/realloc/free workload",
				Flags: []cli.Flag{
					configFlag,
					&cli.IntFlag{Name: "workers", Value: 4, Usage: "concurrent workers"},
					&cli.IntFlag{Name: "ops", Value: 100000, Usage: "operations per worker"},
					&cli.Uint64Flag{Name: "max-size", Value: 4096, Usage: "largest requested size in bytes"},
					&cli.Int64Flag{Name: "seed", Value: 1, Usage: "random seed"},
				},
				Action: bench,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (pmalloc.Config, error) {
	path := ctx.String(configFlag.Name)
	if path == "" {
		return pmalloc.DefaultConfig(), nil
	}
	return pmalloc.LoadConfig(path)
}

func layout(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	w := ctx.App.Writer
	fmt.Fprintf(w, "strategy: %s\n", cfg.Strategy)
	specs, err := cfg.Layout()
	if err != nil {
		return err
	}
	var total uint64
	for _, s := range specs {
		chunk, _ := pool.AlignUp(s.Range.Last, pool.MaxAlign)
		size := uint64(chunk) * uint64(s.Count)
		total += size
		fmt.Fprintf(w, "%v count=%d reserved=%s\n", s.Range, s.Count, humanize.IBytes(size))
	}
	fmt.Fprintf(w, "pools=%d reserved=%s\n", len(specs), humanize.IBytes(total))
	return nil
}
