package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/ZenLiuCN/hotlib"
	"github.com/ZenLiuCN/hotlib/goobj"
	"github.com/ZenLiuCN/hotlib/pool"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "hotctl"
	app.Usage = "hot library reloader"
	app.Description = "watch a shared library and reload it into a host while it is rebuilt"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, EnvVars: []string{"HOTLIB_DEBUG"}},
	}
	libFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: ".", Usage: "library directory, searched in parent directories when relative", EnvVars: []string{"HOTLIB_DIR"}},
			&cli.StringFlag{Name: "name", Required: true, Usage: "logical library name without prefix and extension", EnvVars: []string{"HOTLIB_NAME"}},
			&cli.BoolFlag{Name: "object", Usage: "the library is a Go object file loaded with goloader"},
			&cli.StringFlag{Name: "pkg", Value: "main", Usage: "package path of a Go object file"},
		}
	}
	app.Commands = []*cli.Command{
		{Name: "watch",
			Action: watch,
			Usage:  "load a library and call an exported func() int32 after every reload",
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "symbol", Value: "do_stuff", Usage: "exported function to call"},
				&cli.DurationFlag{Name: "debounce", Value: hotlib.DefaultDebounce, Usage: "settle time of file events"},
			}, libFlags()...),
		},
		{Name: "paths",
			Action: paths,
			Usage:  "display the watched and loaded file names of a library",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Required: true},
				&cli.StringFlag{Name: "goos", Value: runtime.GOOS},
				&cli.Uint64Flag{Name: "generation", Aliases: []string{"g"}},
			},
		},
		{Name: "clean",
			Action: clean,
			Usage:  "remove loaded artifacts left by a crashed host",
			Flags:  libFlags(),
		},
		{Name: "inspect",
			Action: inspect,
			Usage:  "display symbols of Go object files",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Value: "main", Usage: "package path or default main"},
			},
			Args: true,
		},
		{Name: "pool",
			Action: runPool,
			Usage:  "keep the libraries of a YAML pool file reloaded",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "hotlib.yaml", EnvVars: []string{"HOTLIB_CONFIG"}},
				&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "update poll interval"},
			},
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func logger(ctx *cli.Context) *zap.Logger {
	var l *zap.Logger
	var err error
	if ctx.Bool("debug") {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Printf("create logger: %s", err)
		return zap.NewNop()
	}
	return l
}

func libOptions(ctx *cli.Context, l *zap.Logger) []hotlib.Option {
	opts := []hotlib.Option{hotlib.WithLogger(l)}
	if ctx.Bool("object") {
		opts = append(opts,
			hotlib.WithFormat(goobj.Format),
			hotlib.WithOpener(goobj.Opener{Pkg: ctx.String("pkg")}))
	}
	if ctx.IsSet("debounce") {
		opts = append(opts, hotlib.WithDebounce(ctx.Duration("debounce")))
	}
	return opts
}

func watch(ctx *cli.Context) (err error) {
	l := logger(ctx)
	defer func() { _ = l.Sync() }()
	m, err := hotlib.New(ctx.String("dir"), ctx.String("name"), libOptions(ctx, l)...)
	if err != nil {
		return
	}
	defer m.Close()
	d := hotlib.NewDriver(m)
	obs := d.Subscribe()
	go func() {
		<-ctx.Context.Done()
		obs.Close()
	}()
	go func() {
		if err := d.Run(ctx.Context); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("update loop stopped", zap.Error(err))
		}
	}()
	sym := ctx.String("symbol")
	call := func() {
		err := hotlib.Call(m, sym, func(f func() int32) error {
			fmt.Printf("generation %d: %s() = %d\n", m.Version(), sym, f())
			return nil
		})
		if err != nil {
			fmt.Printf("generation %d: %s: %s\n", m.Version(), sym, err)
		}
	}
	call()
	for {
		err = obs.WaitForReload()
		switch {
		case errors.Is(err, hotlib.ErrClosed):
			return nil
		case err != nil:
			l.Warn("reload failed, still running the previous version", zap.Error(err))
		}
		call()
	}
}

func paths(ctx *cli.Context) error {
	f := hotlib.PlatformFormat(ctx.String("goos"))
	name := ctx.String("name")
	fmt.Printf("watched: %s\nloaded:  %s\n", f.WatchedName(name), f.ArtifactName(name, ctx.Uint64("generation")))
	return nil
}

func clean(ctx *cli.Context) error {
	dir, err := hotlib.FindInParents(ctx.String("dir"))
	if err != nil {
		return err
	}
	f := hotlib.Native
	if ctx.Bool("object") {
		f = goobj.Format
	}
	removed, err := hotlib.CleanArtifacts(dir, ctx.String("name"), f)
	for _, s := range removed {
		fmt.Printf("removed %s\n", s)
	}
	return err
}

func inspect(ctx *cli.Context) (err error) {
	debug := ctx.Bool("debug")
	for _, s := range ctx.Args().Slice() {
		var symbols []string
		if symbols, err = goobj.Inspect(s, ctx.String("pkg")); err != nil {
			return
		}
		if debug {
			spew.Dump(s, symbols)
			continue
		}
		fmt.Printf("%s:\n", s)
		for _, sym := range symbols {
			fmt.Printf("\t%s\n", sym)
		}
	}
	return
}

func runPool(ctx *cli.Context) (err error) {
	l := logger(ctx)
	defer func() { _ = l.Sync() }()
	c, err := pool.LoadConfig(ctx.String("config"))
	if err != nil {
		return
	}
	p := pool.NewPool(hotlib.WithLogger(l))
	defer p.Close()
	if err = p.Apply(c); err != nil {
		return
	}
	l.Info("pool started", zap.Strings("libraries", p.Names()))
	t := time.NewTicker(ctx.Duration("interval"))
	defer t.Stop()
	for {
		select {
		case <-ctx.Context.Done():
			return nil
		case <-t.C:
			updated, err := p.Update()
			if err != nil {
				l.Warn("update pool", zap.Error(err))
			}
			if len(updated) > 0 {
				l.Info("libraries reloaded", zap.Strings("libraries", updated))
			}
		}
	}
}
