// Command ingestd is the worker daemon: it drains the durable job queue,
// runs the pipeline orchestrator for each claimed conversation, and serves
// a /healthz endpoint reporting queue depth. Grounded on the teacher's
// main.go wiring order (construct store -> construct clients -> construct
// pipeline -> run), stripped of the bubbletea Model/View/Update loop and
// replaced with a poll-claim-run loop plus an HTTP health endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/threeequarter/filings-rag/internal/archivefetcher"
	"github.com/threeequarter/filings-rag/internal/blobstore"
	"github.com/threeequarter/filings-rag/internal/config"
	"github.com/threeequarter/filings-rag/internal/convstore"
	"github.com/threeequarter/filings-rag/internal/domain"
	"github.com/threeequarter/filings-rag/internal/embed"
	"github.com/threeequarter/filings-rag/internal/jobqueue"
	"github.com/threeequarter/filings-rag/internal/logging"
	"github.com/threeequarter/filings-rag/internal/nexa"
	"github.com/threeequarter/filings-rag/internal/pipeline"
	"github.com/threeequarter/filings-rag/internal/progressbus"
	"github.com/threeequarter/filings-rag/internal/vectorstore"
)

const (
	pollInterval      = 2 * time.Second
	staleClaimSweep   = time.Minute
	staleClaimMaxAge  = 15 * time.Minute
	healthAddrEnvVar  = "FILINGS_RAG_HEALTH_ADDR"
	defaultHealthAddr = ":8080"
)

func main() {
	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("failed to load config: %v", err)
		os.Exit(1)
	}

	blobs, err := blobstore.New(cfg.BlobStoreBasePath)
	if err != nil {
		logging.Error("failed to open blob store: %v", err)
		os.Exit(1)
	}

	vectors, err := vectorstore.NewBadgerStore(cfg.VectorStorePath)
	if err != nil {
		logging.Error("failed to open vector store: %v", err)
		os.Exit(1)
	}
	defer vectors.Close()

	queue, err := jobqueue.Open(cfg.JobQueuePath)
	if err != nil {
		logging.Error("failed to open job queue: %v", err)
		os.Exit(1)
	}
	defer queue.Close()

	convs, err := convstore.Open(cfg.ConversationStorePath)
	if err != nil {
		logging.Error("failed to open conversation store: %v", err)
		os.Exit(1)
	}
	defer convs.Close()

	nexaClient := nexa.NewClient("")
	embedder := embed.NewNexaProvider(nexaClient, cfg.EmbeddingModel, cfg.EmbeddingDimensions)

	bus := progressbus.New()
	fetcher := archivefetcher.New(cfg.Archive)
	orch := pipeline.New(blobs, fetcher, embedder, vectors, bus, cfg.Pipeline, cfg.Chunking)

	var lastPoll atomic.Int64
	lastPoll.Store(time.Now().Unix())

	addr := os.Getenv(healthAddrEnvVar)
	if addr == "" {
		addr = defaultHealthAddr
	}
	healthSrv := startHealthServer(addr, queue, &lastPoll)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("ingestd worker starting, polling every %s", pollInterval)
	runWorkerLoop(ctx, orch, queue, convs, &lastPoll)
	logging.Info("ingestd worker stopped")
}

// runWorkerLoop claims jobs one at a time and runs the pipeline to
// completion for each, per §5's "a background worker runtime claims
// persisted work units". A claimed job whose runErr is non-nil is not
// requeued here — the pipeline itself already recorded Failed state and
// the job's terminal outcome is inspected via ingestctl status, not
// retried automatically, since a failed ingestion needs an operator
// decision (bad ticker, archive outage) rather than a blind re-run.
func runWorkerLoop(ctx context.Context, orch *pipeline.Orchestrator, queue *jobqueue.Queue, convs *convstore.Store, lastPoll *atomic.Int64) {
	sweepTicker := time.NewTicker(staleClaimSweep)
	defer sweepTicker.Stop()

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			if n, err := queue.RequeueStale(staleClaimMaxAge); err != nil {
				logging.Error("stale claim sweep failed: %v", err)
			} else if n > 0 {
				logging.Info("requeued %d stale job(s)", n)
			}
		case <-pollTicker.C:
			lastPoll.Store(time.Now().Unix())
			job, ok, err := queue.Claim()
			if err != nil {
				logging.Error("failed to claim job: %v", err)
				continue
			}
			if !ok {
				continue
			}
			processJob(ctx, orch, queue, convs, job)
		}
	}
}

// processJob runs the pipeline and mirrors its terminal outcome into the
// conversation store, per convstore.SetIngestionStatus's "written only on
// terminal transitions" contract — Completed or Failed, never an
// intermediate stage status.
func processJob(ctx context.Context, orch *pipeline.Orchestrator, queue *jobqueue.Queue, convs *convstore.Store, job jobqueue.Job) {
	logging.Info("claimed job %s for conversation %s", job.ID, job.ConversationID)

	finalStatus := domain.StatusCompleted
	if err := orch.Run(ctx, job.ConversationID); err != nil {
		if domain.IsKind(err, domain.KindCancelled) || ctx.Err() != nil {
			logging.Info("job %s cancelled, leaving claimed for a future sweep", job.ID)
			return
		}
		logging.Error("pipeline run failed for conversation %s: %v", job.ConversationID, err)
		finalStatus = domain.StatusFailed
	}

	if err := convs.SetIngestionStatus(job.ConversationID, finalStatus); err != nil {
		logging.Error("failed to mirror ingestion status for conversation %s: %v", job.ConversationID, err)
	}
	if err := queue.Complete(job.ID); err != nil {
		logging.Error("failed to mark job %s complete: %v", job.ID, err)
	}
}

type healthResponse struct {
	QueueDepth      int   `json:"queue_depth"`
	LastPollUnix    int64 `json:"last_poll_unix"`
	LastPollAgeSecs int64 `json:"last_poll_age_seconds"`
}

func startHealthServer(addr string, queue *jobqueue.Queue, lastPoll *atomic.Int64) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		depth, err := queue.Depth()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		last := lastPoll.Load()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			QueueDepth:      depth,
			LastPollUnix:    last,
			LastPollAgeSecs: time.Now().Unix() - last,
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("health server stopped: %v", err)
		}
	}()
	return srv
}
