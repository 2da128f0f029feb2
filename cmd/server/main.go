package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/care-attendance/internal/config"
	"github.com/jakechorley/care-attendance/pkg/core/attendance"
	"github.com/jakechorley/care-attendance/pkg/core/model"
	"github.com/jakechorley/care-attendance/pkg/core/qrtoken"
	"github.com/jakechorley/care-attendance/pkg/core/schedule"
	"github.com/jakechorley/care-attendance/pkg/core/shiftwindow"
	"github.com/jakechorley/care-attendance/pkg/core/statuschannel"
	"github.com/jakechorley/care-attendance/pkg/postgres"
	"github.com/jakechorley/care-attendance/pkg/server"
	"github.com/jakechorley/care-attendance/pkg/utils/logging"
)

// App holds the application dependencies
type App struct {
	cfg      *config.Config
	database *postgres.DB
	logger   *zap.Logger
	ctx      context.Context
}

var (
	configPath string
	verbose    bool
	app        *App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "attendance-server",
		Short: "Attendance core service for shift clock-in and clock-out",
		Long:  `Runs the attendance HTTP service: kiosk QR issuance, clock-in/clock-out, manual corrections, and scan status push.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app != nil {
				if app.database != nil {
					app.database.Close()
				}
				if app.logger != nil {
					app.logger.Sync()
				}
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: attendance_config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to the console")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedShiftsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initApp sets up logger, config, and database
func initApp() error {
	var err error
	app = &App{
		ctx: context.Background(),
	}

	app.logger, err = logging.InitLogger("attendance", verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.logger.Info("Loading configuration")
	if configPath != "" {
		app.cfg, err = config.LoadFromPath(configPath)
	} else {
		app.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app.logger.Info("Connecting to database")
	app.database, err = postgres.NewDB(app.ctx, app.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.logger.Info("Database connected")

	return nil
}

// allowAllAuthorizer grants every permission. RBAC is enforced by the
// product gateway in front of this service, which also injects the
// identity headers the HTTP layer trusts.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) HasPermission(ctx context.Context, caller model.Caller, permission, workplaceID string) (bool, error) {
	return true, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the attendance HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := app.cfg.DecodedQRKey()
			if err != nil {
				return err
			}

			codec, err := qrtoken.New(key)
			if err != nil {
				return fmt.Errorf("failed to initialize token codec: %w", err)
			}
			if app.cfg.TokenValidityMinutes > 0 {
				codec = codec.WithValidity(time.Duration(app.cfg.TokenValidityMinutes) * time.Minute)
			}

			coordinator := attendance.NewCoordinator(
				app.database,
				app.database,
				app.database,
				postgres.NewAdvisoryMutex(app.database.Pool()),
				codec,
				app.database,
				allowAllAuthorizer{},
				app.logger,
			)

			tol := shiftwindow.DefaultTolerances()
			if app.cfg.EarlyToleranceMinutes > 0 {
				tol.Early = time.Duration(app.cfg.EarlyToleranceMinutes) * time.Minute
			}
			if app.cfg.LateToleranceMinutes > 0 {
				tol.Late = time.Duration(app.cfg.LateToleranceMinutes) * time.Minute
			}
			coordinator = coordinator.WithTolerances(tol)
			if app.cfg.MinimumDurationMinutes > 0 {
				coordinator = coordinator.WithMinimumDuration(time.Duration(app.cfg.MinimumDurationMinutes) * time.Minute)
			}
			if app.cfg.StatusTTLMinutes > 0 {
				coordinator = coordinator.WithStatusTTL(time.Duration(app.cfg.StatusTTLMinutes) * time.Minute)
			}

			watcher := statuschannel.NewWatcher(app.database, app.logger)
			srv := server.NewServer(coordinator, watcher, server.HeaderIdentity{}, app.logger)

			addr := app.cfg.ListenAddr
			if addr == "" {
				addr = ":8080"
			}
			httpServer := &http.Server{
				Addr:        addr,
				Handler:     srv.Routes(),
				ReadTimeout: 30 * time.Second,
			}

			ctx, stop := signal.NotifyContext(app.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			go sweepStatuses(ctx, app.database, app.logger)

			errCh := make(chan error, 1)
			go func() {
				app.logger.Info("Listening", zap.String("addr", addr))
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			app.logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

// sweepStatuses deletes expired scan statuses until ctx is canceled.
// Statuses are normally consumed by watchers; the sweep only collects the
// ones nobody watched to the end.
func sweepStatuses(ctx context.Context, db *postgres.DB, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := db.SweepExpiredStatuses(ctx)
			if err != nil {
				logger.Warn("status sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("swept expired scan statuses", zap.Int64("removed", removed))
			}
		}
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.database.RunMigrations(app.ctx); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}

			fmt.Println("Migrations applied successfully")
			return nil
		},
	}
}

func seedShiftsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-shifts <from> <until>",
		Short: "Expand configured shift patterns into assignments for a date range",
		Long:  `Expands each shiftPatterns entry in the config over the given date range (YYYY-MM-DD, inclusive) and inserts the resulting shift assignments.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse("2006-01-02", args[0])
			if err != nil {
				return fmt.Errorf("from must be YYYY-MM-DD: %w", err)
			}
			until, err := time.Parse("2006-01-02", args[1])
			if err != nil {
				return fmt.Errorf("until must be YYYY-MM-DD: %w", err)
			}
			if until.Before(from) {
				return fmt.Errorf("until %s is before from %s", args[1], args[0])
			}

			if len(app.cfg.ShiftPatterns) == 0 {
				fmt.Println("No shift patterns configured, nothing to seed.")
				return nil
			}

			total := 0
			for _, seed := range app.cfg.ShiftPatterns {
				tz, err := app.database.Timezone(app.ctx, seed.WorkplaceID)
				if err != nil {
					return fmt.Errorf("failed to look up workplace %s: %w", seed.WorkplaceID, err)
				}
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return fmt.Errorf("workplace %s has invalid timezone %q: %w", seed.WorkplaceID, tz, err)
				}

				pattern := model.ShiftPattern{
					WorkplaceID: seed.WorkplaceID,
					RRule:       seed.RRule,
					Timing: model.ShiftTiming{
						StartTime: seed.StartTime,
						EndTime:   seed.EndTime,
					},
				}

				assignments, err := schedule.ExpandPattern(pattern, seed.WorkerID, from, until, loc)
				if err != nil {
					return fmt.Errorf("failed to expand pattern for worker %s: %w", seed.WorkerID, err)
				}
				if len(assignments) == 0 {
					continue
				}

				if err := app.database.InsertAssignments(app.ctx, assignments); err != nil {
					return fmt.Errorf("failed to insert assignments for worker %s: %w", seed.WorkerID, err)
				}

				app.logger.Info("Seeded assignments",
					zap.String("worker_id", seed.WorkerID),
					zap.String("workplace_id", seed.WorkplaceID),
					zap.Int("count", len(assignments)))
				total += len(assignments)
			}

			fmt.Printf("\nSeeded %d shift assignments between %s and %s.\n", total, args[0], args[1])
			return nil
		},
	}
}
