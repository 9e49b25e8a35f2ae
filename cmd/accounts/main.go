package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gofiber/fiber/v2"
	gconfig "github.com/goliatone/go-config/config"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	auth "github.com/goliatone/go-auth-actions"
	"github.com/goliatone/go-auth-actions/config"
	"github.com/goliatone/go-auth-actions/notify"
	"github.com/goliatone/go-auth-actions/queue"
)

type App struct {
	config *gconfig.Container[*config.BaseConfig]
	bunDB  *bun.DB
	repo   auth.RepositoryManager
	queue  queue.Queue
	pool   *queue.Pool
	srv    router.Server[*fiber.App]
	logger *glog.BaseLogger
}

func (a *App) Config() *config.BaseConfig {
	return a.config.Raw()
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func main() {
	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("accounts"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	cfg := gconfig.New(&config.BaseConfig{}).
		WithLogger(lgr.GetLogger("config"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfg.Load(ctx); err != nil {
		panic(err)
	}

	if cfg.Raw().GetApp().Debug {
		fmt.Println("============")
		fmt.Println(print.MaybeHighlightJSON(cfg.Raw()))
		fmt.Println("============")
	}

	app := &App{
		config: cfg,
		logger: lgr,
	}

	if err := WithPersistence(ctx, app); err != nil {
		panic(err)
	}

	if err := WithQueue(ctx, app); err != nil {
		panic(err)
	}

	if err := WithWorkers(ctx, app); err != nil {
		panic(err)
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		panic(err)
	}

	app.srv.Serve(app.Config().GetApp().GetAddress())

	sig := WaitExitSignal()
	app.GetLogger("app").Info("shutting down", "signal", sig.String())

	cancel()
	app.pool.Stop()
	if err := app.bunDB.Close(); err != nil {
		app.GetLogger("app").Error("failed to close database", "error", err)
	}
}

func WithPersistence(ctx context.Context, app *App) error {
	pcfg := app.Config().GetPersistence()

	var db *bun.DB
	switch pcfg.GetDriver() {
	case config.PersistenceDriverSQLite:
		sqldb, err := sql.Open(sqliteshim.ShimName, pcfg.GetDSN())
		if err != nil {
			return err
		}
		// SQLite allows a single writer
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return errors.New("unsupported persistence driver: "+pcfg.GetDriver(), errors.CategoryValidation)
	}

	n, err := auth.Migrate(ctx, db, app.GetLogger("migrate"))
	if err != nil {
		return err
	}
	app.GetLogger("persistence").Info("database ready", "applied_migrations", n)

	repo := auth.NewRepositoryManager(db)
	if err := repo.Validate(); err != nil {
		return err
	}

	app.bunDB = db
	app.repo = repo
	return nil
}

func WithQueue(ctx context.Context, app *App) error {
	qcfg := app.Config().GetQueue()

	opts := []queue.Option{
		queue.WithMaxRetries(qcfg.MaxRetries),
		queue.WithClaimTimeout(qcfg.GetClaimTimeout()),
		queue.WithBackoff(queue.ExponentialBackoff(qcfg.GetBaseBackoff(), qcfg.GetMaxBackoff())),
		queue.WithLogger(app.GetLogger("queue")),
	}

	switch qcfg.Backend {
	case config.QueueBackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: qcfg.RedisAddress})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		app.queue = queue.NewRedisStore(rdb, qcfg.RedisPrefix, opts...)
	default:
		app.queue = queue.NewSQLStore(app.bunDB, opts...)
	}

	return nil
}

func WithWorkers(ctx context.Context, app *App) error {
	mailer, err := newMailer(ctx, app)
	if err != nil {
		return err
	}

	qcfg := app.Config().GetQueue()
	app.pool = queue.NewPool(app.queue,
		queue.WithWorkers(qcfg.GetWorkers()),
		queue.WithPollInterval(qcfg.GetPollInterval()),
		queue.WithPoolLogger(app.GetLogger("workers")),
	).Register(notify.Topic, notify.NewHandler(mailer))

	return app.pool.Start(ctx)
}

func newMailer(ctx context.Context, app *App) (notify.Mailer, error) {
	mcfg := app.Config().GetMail()

	if mcfg.Driver != config.MailDriverSES {
		return notify.NewLogMailer(app.GetLogger("mailer")), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(mcfg.Region))
	if err != nil {
		return nil, err
	}
	return notify.NewSESMailerFromConfig(awsCfg, mcfg.From), nil
}

func WithHTTPServer(ctx context.Context, app *App) error {
	acfg := app.Config().GetAuth()

	if cost := acfg.GetBcryptCost(); cost > 0 {
		auth.SetPasswordHashCost(cost)
	}

	activity := auth.LoggerActivitySink(app.GetLogger("activity"))

	tokens := auth.NewTokenService([]byte(acfg.GetSigningKey()),
		auth.WithTokenLogger(app.GetLogger("tokens")),
	)

	workflow := auth.NewActionWorkflow(app.repo, tokens, app.queue).
		WithConfig(acfg).
		WithActivitySink(activity).
		WithLogger(app.GetLogger("workflow"))

	signUp := auth.NewRegisterUserHandler(app.repo, workflow).
		WithActivitySink(activity).
		WithLogger(app.GetLogger("sign-up"))

	auther := auth.NewAuthenticator(app.repo, tokens, acfg).
		WithActivitySink(activity).
		WithLogger(app.GetLogger("auth"))

	controller := auth.NewHTTPController(auther, signUp, workflow).
		WithJobs(app.queue).
		WithLogger(app.GetLogger("http"))
	controller.Debug = app.Config().GetApp().Debug

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: controller.Debug,
			StrictRouting:     false,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	auth.RegisterActionRoutes(srv.Router(), controller)

	app.srv = srv
	return nil
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
