package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-ledgrid/internal/app"
	"github.com/coreman2200/funtimes-ledgrid/internal/config"
	"github.com/coreman2200/funtimes-ledgrid/internal/ws"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to config.yaml")
		addr        = flag.String("addr", "", "HTTP listen address (overrides config listen)")
		simOnly     = flag.Bool("sim-only", false, "force simulation (no hardware output)")
		console     = flag.Bool("console", false, "preview simulated pixels on the terminal")
		logLevel    = flag.String("log-level", "", "trace | debug | info | warn | error")
		patternName = flag.String("pattern", "", "play a named pattern at startup")
		programPath = flag.String("program", "", "play a program file (.json/.yaml) at startup")
		selftest    = flag.String("selftest", "", "run a self test at startup: index_sweep | row_sweep | all_pulse")
		interactive = flag.Bool("interactive", false, "read commands from stdin")
	)
	flag.Parse()

	// ---- Logging ----
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// ---- Config: file, then LEDGRID_* env, then flags ----
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", *configPath).Msg("no config file; using the default 4x4 simulated grid")
		cfg = config.Default()
	} else if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level; using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.InitCore(ctx, cfg, app.Options{
		SimOnly:  *simOnly,
		Console:  *console,
		Fallback: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init failed")
	}

	// ---- Startup actions ----
	startup := []app.Command{}
	if *selftest != "" {
		startup = append(startup, app.Command{Op: app.OpTest, Name: *selftest})
	}
	if *patternName != "" {
		startup = append(startup, app.Command{Op: app.OpPattern, Name: *patternName})
	}
	if *programPath != "" {
		startup = append(startup, app.Command{Op: app.OpProgram, Path: *programPath})
	}
	for _, cmd := range startup {
		if _, err := core.Exec(cmd); err != nil {
			log.Error().Err(err).Str("op", cmd.Op).Msg("startup command failed")
		}
	}

	// ---- HTTP routes ----
	state := ws.NewState(core, cfg.FPS)
	mux := http.NewServeMux()
	state.Register(mux)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      withCORS(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go state.RunFrameLoop(ctx)
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("driver", core.Driver).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server crashed")
			stop()
		}
	}()

	if *interactive {
		go func() {
			repl(os.Stdin, os.Stdout, core)
			stop()
		}()
	}

	// ---- Graceful shutdown ----
	<-ctx.Done()
	log.Info().Msg("shutting down; turning every pixel off")
	_ = srv.Close()
	if err := core.Close(); err != nil {
		log.Warn().Err(err).Msg("hardware release failed")
	}
	log.Info().Msg("shutdown complete")
}

// repl reads console commands until quit or EOF.
func repl(in io.Reader, out io.Writer, core *app.Core) {
	fmt.Fprintln(out, "Enter commands (e.g. 'set 0 2 255', 'pulse 1 1 1 0.2 0.5 0.2', 'trace on'). Type 'quit' to exit.")
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			return
		}
		cmd, err := app.ParseLine(line)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		log.Info().Str("op", cmd.Op).Str("line", line).Msg("console command")
		r, err := core.Exec(cmd)
		if err != nil {
			log.Error().Err(err).Str("op", cmd.Op).Msg("command failed")
			continue
		}
		if r.Skipped > 0 || r.Detail != "" {
			fmt.Fprintf(out, "%s: applied %d, skipped %d %s\n", r.Op, r.Applied, r.Skipped, r.Detail)
		}
	}
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		h.ServeHTTP(w, r)
	})
}
