package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veska-bio/loom/internal/queue"
	mid "github.com/veska-bio/loom/internal/server/middleware"
	"github.com/veska-bio/loom/internal/storage"
	"github.com/veska-bio/loom/internal/util"
	cpfs "github.com/veska-bio/loom/pkg/checkpoint/fs"
	cppgx "github.com/veska-bio/loom/pkg/checkpoint/pgx"
	"github.com/veska-bio/loom/pkg/logger"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	jwksUrl := util.GetEnv("AUTH_URL") + "/jwks"
	k, err := keyfunc.NewDefault([]string{jwksUrl})
	if err != nil {
		logger.Fatal("Failed to load jwks keys", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &mid.App{
		Key:          &k,
		MasterAPIKey: util.GetEnv("MASTER_API_KEY"),
	}

	// The status endpoint reads whichever backend the workers write. The
	// default filesystem backend assumes server and worker share a volume.
	switch util.GetEnv("CHECKPOINT_BACKEND") {
	case "postgres":
		runMigrations()
		conn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		defer conn.Close()
		store, err := cppgx.NewStore(conn)
		if err != nil {
			logger.Fatal("Failed to open checkpoint store", "error", err)
		}
		app.Checkpoints = store
	default:
		store, err := cpfs.NewStore(util.GetEnvString("CHECKPOINT_DIR", "checkpoints"))
		if err != nil {
			logger.Fatal("Failed to open checkpoint dir", "error", err)
		}
		app.Checkpoints = store
	}

	if util.GetEnv("AWS_BUCKET") != "" {
		objects, err := storage.NewObjectStore(ctx)
		if err != nil {
			logger.Fatal("Failed to create object store", "error", err)
		}
		app.Archive = objects
	}

	que, err := queue.Init()
	if err != nil {
		logger.Fatal("Failed to connect to queue", "error", err)
	}
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "error", err)
	}
	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "error", err)
	}
	app.Queue = ch

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", "error", err)
	}
}

// runMigrations applies pending SQL migrations before the first checkpoint
// read. An already up to date database is not an error.
func runMigrations() {
	dir := util.GetEnv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	m, err := migrate.New("file://"+dir, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Failed to load migrations", "error", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to apply migrations", "error", err)
	}
}
