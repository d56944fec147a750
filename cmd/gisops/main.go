// Command gisops inspects and drives stored asynchronous operations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

type CLI struct {
	Config     string   `help:"Path to the engine config file." short:"c" type:"path" env:"GISOPS_CONFIG"`
	DB         string   `help:"SQLite database path." default:"asyncop.db" env:"GISOPS_DB"`
	Endpoint   string   `help:"Gateway base URL." env:"GISOPS_ENDPOINT"`
	Token      string   `help:"Gateway bearer token." env:"GISOPS_TOKEN"`
	Operations []string `help:"Operation types handled by this process." name:"operation" sep:","`
	LogLevel   string   `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`

	Show   ShowCmd   `cmd:"" help:"Print one operation record as JSON."`
	List   ListCmd   `cmd:"" help:"List operation records for a house or provider."`
	Cancel CancelCmd `cmd:"" help:"Cancel an operation and every linked record."`
	Retry  RetryCmd  `cmd:"" help:"Rerun a finished operation as a new record."`
	Sweep  SweepCmd  `cmd:"" help:"Run overdue records to completion in the foreground."`
	Serve  ServeCmd  `cmd:"" help:"Run the scheduler, periodic sweep and metrics endpoint."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gisops"),
		kong.Description("Operate the asynchronous GIS operation engine."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := newApp(ctx, cli, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gisops: %v\n", err)
		os.Exit(1)
	}
	defer env.Close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(env))
}
