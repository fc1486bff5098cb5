// trackerctl operates the on-duty tracker from a shell: it starts and stops
// tracking, inspects and flushes the pending queue, and manages the officer's
// API session. It works directly on the tracker's database, so it can be used
// while the tracker process is down.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"crimelink/internal/app"
	"crimelink/internal/credstore"
	"crimelink/internal/env"
	"crimelink/internal/feed"
	"crimelink/internal/uploader"
)

const usage = `Usage: trackerctl <command> [flags]

Commands:
  start     request permissions and start on-duty tracking
  stop      stop on-duty tracking
  status    print the tracking state and queue depth
  flush     upload one batch of queued locations
  drain     upload queued locations until the queue is empty
  deliver   deliver fixes read as JSON from stdin
  login     store API tokens (--token, --refresh)
  logout    remove stored API tokens
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}
	command, rest := args[0], args[1:]

	var token, refresh string
	var verbose bool
	flagSet := pflag.NewFlagSet("trackerctl "+command, pflag.ContinueOnError)
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log component activity to stderr")
	if command == "login" {
		flagSet.StringVar(&token, "token", "", "access token")
		flagSet.StringVar(&refresh, "refresh", "", "refresh token")
	}
	if err := flagSet.Parse(rest); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	env.LoadEnv()
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if verbose {
		level = cfg.LogLevel
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch command {
	case "start":
		if err := a.Tracker.Start(ctx); err != nil {
			return err
		}
		return printStatus(ctx, a, stdout)

	case "stop":
		if err := a.Tracker.Stop(ctx); err != nil {
			return err
		}
		return printStatus(ctx, a, stdout)

	case "status":
		return printStatus(ctx, a, stdout)

	case "flush":
		if err := a.Reconciler.Flush(ctx); err != nil {
			return explainUpload(err)
		}
		return printStatus(ctx, a, stdout)

	case "drain":
		n, err := a.Reconciler.Drain(ctx)
		fmt.Fprintf(stdout, "uploaded %d\n", n)
		if err != nil {
			return explainUpload(err)
		}
		return printStatus(ctx, a, stdout)

	case "deliver":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		fixes, err := feed.DecodeFixes(data, time.Now())
		if err != nil {
			return err
		}
		if err := a.Platform.Deliver(ctx, fixes); err != nil {
			return err
		}
		return printStatus(ctx, a, stdout)

	case "login":
		if token == "" {
			return errors.New("login needs --token")
		}
		if err := a.Session.SetTokens(ctx, token, refresh); err != nil {
			return err
		}
		if cfg.CredentialStore != credstore.KindSealed {
			fmt.Fprintln(stdout, "warning: CREDENTIAL_STORE is memory, the token is not kept after this command")
		}
		return nil

	case "logout":
		return a.Session.ClearTokens(ctx)
	}
	return fmt.Errorf("unknown command %q\n\n%s", command, usage)
}

func printStatus(ctx context.Context, a *app.App, w io.Writer) error {
	state, err := a.Tracker.Status(ctx)
	if err != nil {
		return err
	}
	queued, err := a.Store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "state: %s\nqueued: %d\n", state, queued)
	return nil
}

func explainUpload(err error) error {
	var uploadErr *uploader.UploadError
	if errors.As(err, &uploadErr) {
		return fmt.Errorf("upload failed, %d records stay queued: %w", uploadErr.Records, uploadErr.Err)
	}
	return err
}
