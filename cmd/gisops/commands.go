package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/cron"
	"github.com/goliatone/go-asyncop/operation"
)

type ShowCmd struct {
	ID string `arg:"" help:"Record id."`
}

func (c *ShowCmd) Run(ctx context.Context, a *app) error {
	rec, err := a.store.Load(ctx, c.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

type ListCmd struct {
	House    string `help:"Filter by house id."`
	Provider string `help:"Filter by provider id."`
}

func (c *ListCmd) Run(ctx context.Context, a *app) error {
	if c.House == "" && c.Provider == "" {
		return fmt.Errorf("--house or --provider required")
	}
	recs, err := a.store.QueryByScope(ctx, c.House, c.Provider)
	if err != nil {
		return err
	}
	return writeRecords(a.out, recs)
}

func writeRecords(out io.Writer, recs []*asyncop.Record) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOPERATION\tSTATUS\tOBJECTS\tCREATED\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.OperationName, rec.Status, len(rec.ObjectIDs),
			rec.Created.Format(time.RFC3339), rec.Error)
	}
	return w.Flush()
}

type CancelCmd struct {
	ID string `arg:"" help:"Record id."`
}

func (c *CancelCmd) Run(ctx context.Context, a *app) error {
	engine, err := a.engine()
	if err != nil {
		return err
	}
	if err := engine.Cancel(ctx, c.ID); err != nil {
		return err
	}
	a.logger.Info("canceled %s", c.ID)
	return nil
}

type RetryCmd struct {
	ID string `arg:"" help:"Record id of a finished operation."`
}

// Run executes the rerun inline and returns once it finished.
func (c *RetryCmd) Run(ctx context.Context, a *app) error {
	engine, err := a.engine()
	if err != nil {
		return err
	}
	op, err := engine.Retry(ctx, c.ID)
	if op != nil {
		a.logger.Info("rerun of %s is %s status=%s", c.ID, op.ID(), op.Record().Status)
	}
	return err
}

type SweepCmd struct{}

func (c *SweepCmd) Run(ctx context.Context, a *app) error {
	engine, err := a.engine()
	if err != nil {
		return err
	}
	n, err := engine.Sweep(ctx)
	a.logger.Info("sweep dispatched %d records", n)
	return err
}

type ServeCmd struct {
	MetricsAddr string `help:"Listen address of the metrics endpoint." default:":9090"`
}

func (c *ServeCmd) Run(ctx context.Context, a *app) error {
	loc, err := a.config.Location()
	if err != nil {
		return err
	}
	scheduler := cron.NewScheduler(
		cron.WithLocation(loc),
		cron.WithLogger(a.logger),
		cron.WithErrorHandler(func(err error) { a.logger.Error("scheduled task failed: %v", err) }),
	)
	engine, err := a.engine(operation.WithScheduler(scheduler))
	if err != nil {
		return err
	}
	if _, err := engine.RegisterSweeper(scheduler); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.collector.Handler())
	server := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("metrics listening on %s", c.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		// recover timers lost while the process was down
		if _, err := engine.Sweep(gctx); err != nil {
			a.logger.Warn("startup sweep failed: %v", err)
		}
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = scheduler.Stop(shutdown)
		return server.Shutdown(shutdown)
	})
	return g.Wait()
}
