// Command sgnl-dispatch sends end-to-end encrypted messages to every device
// of one or more recipients.
//
// Usage:
//
//	sgnl-dispatch send --to <id> [--to <id>...] <msg>   Send a text message
//	sgnl-dispatch prekeys generate                     Generate and upload prekeys
//	sgnl-dispatch sessions list <id>                   List sessions of a recipient
//	sgnl-dispatch trust <id> <key>                     Accept a new identity key
//	sgnl-dispatch serve                                Serve the HTTP API and metrics
package main

import (
	"context"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	client "github.com/gwillem/signal-dispatch"
	"github.com/gwillem/signal-dispatch/internal/config"
)

type globalOpts struct {
	Config  string `short:"c" long:"config" env:"SIGNAL_DISPATCH_CONFIG" description:"Path to TOML config file"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable debug logging"`

	Send         sendCommand         `command:"send" description:"Send a text message to every device of each recipient"`
	PreKeys      preKeysCommand      `command:"prekeys" description:"Generate, rotate and upload local prekeys"`
	Sessions     sessionsCommand     `command:"sessions" description:"List or reset sessions with a recipient"`
	Trust        trustCommand        `command:"trust" description:"Accept a recipient's new identity key after verification"`
	SafetyNumber safetyNumberCommand `command:"safety-number" description:"Compute safety number with a recipient"`
	Serve        serveCommand        `command:"serve" description:"Serve the dispatch HTTP API with Prometheus metrics"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Read(opts.Config)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := cfg.Level()
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// env is the loaded configuration and the logger built from it.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func loadClient(ctx context.Context) (*client.Client, *env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	e := &env{cfg: cfg, logger: newLogger(cfg)}
	c, err := client.Open(ctx, cfg, client.WithLogger(e.logger))
	if err != nil {
		return nil, nil, err
	}
	return c, e, nil
}
