package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpAdapter "github.com/cwygoda/ytfetch/internal/adapter/http"
	"github.com/cwygoda/ytfetch/internal/adapter/postgres"
	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/logger"
	"github.com/cwygoda/ytfetch/internal/worker"
)

// withApp builds the app for one command invocation and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  withApp(serve),
	}
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run worker loops that claim and process jobs",
		RunE:  withApp(runWorkers),
	}
}

func maintenanceCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run the lease reaper, staging cleanup and cache purge on schedule",
	}
	cmd.Flags().BoolVar(&once, "once", false, "run every task once and exit")
	cmd.RunE = withApp(func(ctx context.Context, a *app) error {
		sched, err := a.newScheduler()
		if err != nil {
			return err
		}
		if once {
			sched.RunAll(ctx)
			return sched.Stop(context.Background())
		}
		return sched.Run(ctx)
	})
	return cmd
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the API, the workers and maintenance in one process",
		RunE: withApp(func(ctx context.Context, a *app) error {
			sched, err := a.newScheduler()
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return serve(ctx, a) })
			g.Go(func() error { return runWorkers(ctx, a) })
			g.Go(func() error { return sched.Run(ctx) })
			return g.Wait()
		}),
	}
}

func serve(ctx context.Context, a *app) error {
	gin.SetMode(gin.ReleaseMode)
	srv := httpAdapter.NewServer(a.svc, httpAdapter.Config{
		Addr:     a.cfg.HTTP.Addr,
		Service:  a.cfg.Service,
		Secret:   a.cfg.HTTP.Secret,
		Gatherer: a.registry,
	}, a.store, a.metrics, a.log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWorkers(ctx context.Context, a *app) error {
	proc, err := a.newProcessor()
	if err != nil {
		return err
	}
	pool := worker.NewPool(proc)
	a.log.Info("workers starting",
		logger.String("worker_id", a.cfg.Worker.ID),
		logger.Int("concurrency", len(pool.Workers())),
	)
	return pool.Run(ctx)
}

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema of the service",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withApp(func(ctx context.Context, a *app) error {
			pg, ok := a.store.(*postgres.Store)
			if !ok {
				a.log.Info("sqlite schema is created on open, nothing to migrate")
				return nil
			}
			if err := postgres.Migrate(ctx, pg.DB(), a.cfg.Database.Schema); err != nil {
				return err
			}
			a.log.Info("migrations applied", logger.String("schema", a.cfg.Database.Schema))
			return nil
		}),
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: withApp(func(ctx context.Context, a *app) error {
			pg, ok := a.store.(*postgres.Store)
			if !ok {
				return errors.New("migrate down requires the postgres driver")
			}
			if err := postgres.MigrateDown(ctx, pg.DB(), a.cfg.Database.Schema, steps); err != nil {
				return err
			}
			a.log.Info("migrations rolled back", logger.String("schema", a.cfg.Database.Schema), logger.Int("steps", steps))
			return nil
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back (0 rolls back all)")

	cmd.AddCommand(up, down)
	return cmd
}

func submitCommand() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "submit URL",
		Short: "Queue a video, playlist or channel by URL",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&key, "idempotency-key", "", "deduplicate repeated submissions")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			job, created, err := a.svc.SubmitURL(ctx, args[0], domain.Options{}, key)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(os.Stderr, "job already exists for this idempotency key")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"id":          job.ID.String(),
				"entity_type": job.EntityType,
				"entity_id":   job.EntityID,
				"status":      job.Status,
			})
		})(cmd, args)
	}
	return cmd
}
