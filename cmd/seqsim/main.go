package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-ledgrid/internal/app"
	"github.com/coreman2200/funtimes-ledgrid/internal/config"
	"github.com/coreman2200/funtimes-ledgrid/internal/sequence"
)

// seqsim plays a program against a simulated matrix and prints the final
// level of every pixel.
func main() {
	var (
		programPath = flag.String("program", "", "path to a program (.json/.yaml)")
		configPath  = flag.String("config", "", "optional config.yaml for the grid shape")
		console     = flag.Bool("console", false, "preview on the terminal")
		limit       = flag.Duration("limit", time.Minute, "stop after this long (looping programs)")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *programPath == "" {
		log.Fatal().Msg("provide -program path")
	}
	prog, err := sequence.Load(*programPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load program")
	}

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	core, err := app.InitCore(ctx, cfg, app.Options{SimOnly: true, Console: *console})
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}

	if _, err := core.Exec(app.Command{Op: app.OpProgram, Program: &prog}); err != nil {
		log.Fatal().Err(err).Msg("start program")
	}

	start := time.Now()
	deadline := time.NewTimer(*limit)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			log.Info().Dur("limit", *limit).Msg("time limit reached")
			break wait
		case <-tick.C:
			if core.Player.State() == sequence.Idle && settled(core) {
				break wait
			}
		}
	}

	snap := core.Coord.Snapshot()
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int("passes", core.Player.Pass()).
		Int("failed", core.Player.Failed()).
		Msg("program finished")
	if !*console {
		for _, p := range snap {
			fmt.Printf("%s %.3f\n", p.Coord, p.Brightness)
		}
	}
	_ = core.Close()
}

func settled(core *app.Core) bool {
	for _, p := range core.Coord.Snapshot() {
		if p.Animating || p.Pending > 0 {
			return false
		}
	}
	return true
}
