package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veska-bio/loom/internal/queue"
	"github.com/veska-bio/loom/internal/storage"
	"github.com/veska-bio/loom/internal/util"

	"github.com/veska-bio/loom/pkg/caselock"
	"github.com/veska-bio/loom/pkg/checkpoint"
	cpfs "github.com/veska-bio/loom/pkg/checkpoint/fs"
	cppgx "github.com/veska-bio/loom/pkg/checkpoint/pgx"
	"github.com/veska-bio/loom/pkg/curator"
	"github.com/veska-bio/loom/pkg/logger"
	"github.com/veska-bio/loom/pkg/logger/console"
	"github.com/veska-bio/loom/pkg/oracle"
	oll "github.com/veska-bio/loom/pkg/oracle/ollama"
	oai "github.com/veska-bio/loom/pkg/oracle/openai"
	"github.com/veska-bio/loom/pkg/research"
	"github.com/veska-bio/loom/pkg/sources"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// Oracle client
	adapter := util.GetEnv("AI_ADAPTER")
	var oracleClient oracle.Client

	switch adapter {
	case "ollama":
		client, err := oll.NewOracleOllamaClient(oll.NewOracleOllamaClientParams{
			ChatModel:       util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 4)),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "error", err)
		}
		oracleClient = client
	default:
		oracleClient = oai.NewOracleOpenAIClient(oai.NewOracleOpenAIClientParams{
			ChatModel:       util.GetEnv("AI_CHAT_MODEL"),
			ExtractionModel: util.GetEnv("AI_EXTRACT_MODEL"),

			ChatURL: util.GetEnv("AI_CHAT_URL"),
			ChatKey: util.GetEnv("AI_CHAT_KEY"),
		})
	}

	// Literature and trial registry sources share one rate-limited client
	src := sources.NewClient(sources.NewClientParams{
		UserAgent: util.GetEnvString("SOURCES_USER_AGENT", "loom-worker/1.0"),
	})
	literature := sources.NewLiteratureClient(sources.NewLiteratureClientParams{
		Client: src,
		APIKey: util.GetEnv("PUBMED_API_KEY"),
	})
	registry := sources.NewRegistryClient(sources.NewRegistryClientParams{
		Client: src,
	})

	opts := curator.DefaultOptions()
	opts.MaxResults = int(util.GetEnvNumeric("CURATOR_MAX_RESULTS", opts.MaxResults))
	opts.ScoreParallel = int(util.GetEnvNumeric("CURATOR_SCORE_PARALLEL", opts.ScoreParallel))

	cur, err := curator.NewCurator(curator.NewCuratorParams{
		Oracle:     oracleClient,
		Literature: literature,
		Options:    opts,
	})
	if err != nil {
		logger.Fatal("Could not create curator", "error", err)
	}

	policy := research.DefaultPolicy()
	policy.MaxRounds = int(util.GetEnvNumeric("RESEARCH_MAX_ROUNDS", policy.MaxRounds))
	policy.OwnerParallel = int(util.GetEnvNumeric("RESEARCH_OWNER_PARALLEL", policy.OwnerParallel))
	policy.MaxRetries = int(util.GetEnvNumeric("RESEARCH_MAX_RETRIES", policy.MaxRetries))
	if err := policy.Validate(); err != nil {
		logger.Fatal("Invalid research policy", "error", err)
	}

	worker, err := research.NewWorker(research.NewWorkerParams{
		Curator:  cur,
		Registry: registry,
		Oracle:   oracleClient,
		Policy:   policy,
	})
	if err != nil {
		logger.Fatal("Could not create worker", "error", err)
	}

	// Checkpoint store and case locks. Postgres adds the lease that
	// serializes a case across a worker fleet; the default filesystem
	// backend is for single-node deployments and needs no locking.
	var store checkpoint.Store
	var locks *caselock.Client

	switch util.GetEnv("CHECKPOINT_BACKEND") {
	case "postgres":
		runMigrations()
		pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
		if err != nil {
			logger.Fatal("Unable to connect to database", "error", err)
		}
		defer pgConn.Close()
		pgStore, err := cppgx.NewStore(pgConn)
		if err != nil {
			logger.Fatal("Failed to open checkpoint store", "error", err)
		}
		store = pgStore
		locks = caselock.New(pgConn)
	default:
		fsStore, err := cpfs.NewStore(util.GetEnvString("CHECKPOINT_DIR", "checkpoints"))
		if err != nil {
			logger.Fatal("Failed to open checkpoint dir", "error", err)
		}
		store = fsStore
	}

	// Terminal checkpoints are archived to object storage when configured
	if util.GetEnv("AWS_BUCKET") != "" {
		objects, err := storage.NewObjectStore(ctx)
		if err != nil {
			logger.Fatal("Failed to create object store", "error", err)
		}
		store = checkpoint.WithArchive(store, objects)
	}

	runner, err := queue.NewJobRunner(queue.NewJobRunnerParams{
		Worker: worker,
		Store:  store,
		Locks:  locks,
		Policy: policy,
	})
	if err != nil {
		logger.Fatal("Could not create job runner", "error", err)
	}

	// Init rabbitmq
	conn, err := queue.Init()
	if err != nil {
		logger.Fatal("Failed to connect to queue", "error", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "error", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "error", err)
	}

	logger.Info("Listening for messages")

	// Separate consumer channel with prefetch=1 so one case is worked at a
	// time while retry publishes go out on the other channel
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "error", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "error", err)
	}

	msgs, err := consumerCh.Consume(
		queue.ResearchQueue,
		"research_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.ResearchQueue, "error", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Message channel closed", "queue", queue.ResearchQueue)
					return
				}
				startTime := time.Now()
				logger.Info("Received message", "queue", queue.ResearchQueue)

				processingErr := runner.ProcessResearchJob(ctx, string(msg.Body))

				// If there was an error send to retry or dead-letter, otherwise ack the message
				if processingErr != nil {
					logger.Error("Error processing message", "queue", queue.ResearchQueue, "error", processingErr)
					queue.HandleFailure(ch, msg, queue.ResearchQueue)
				} else {
					if err := msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "error", err)
					}
					logger.Info("Message processed successfully", "queue", queue.ResearchQueue)
				}

				logOracleMetrics(oracleClient)
				oracleClient.ResetMetrics()

				processingDuration := time.Since(startTime)
				hours := int(processingDuration.Hours())
				minutes := int(processingDuration.Minutes()) % 60
				seconds := int(processingDuration.Seconds()) % 60
				logger.Info(
					"Processing time",
					"duration", fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds),
				)
				logger.Info("Waiting for next message")
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func logOracleMetrics(client oracle.Client) {
	metrics := client.Metrics()
	duration := time.Duration(metrics.DurationMs) * time.Millisecond
	hours := int(duration.Hours())
	minutes := int(duration.Minutes()) % 60
	seconds := int(duration.Seconds()) % 60
	logger.Info(
		"Oracle metrics",
		"calls", metrics.Calls,
		"input_tokens", metrics.InputTokens,
		"output_tokens", metrics.OutputTokens,
		"total_tokens", metrics.TotalTokens,
		"duration", fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds),
	)
}

// runMigrations brings the schema up to date before the first checkpoint
// write. Concurrent runs are safe, the postgres driver serializes them with
// an advisory lock.
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
