// Command ingestctl is the operator-facing CLI: enqueue a company for
// ingestion, check a conversation's progress, and ask a question against a
// completed conversation. Mirrors the teacher's single-binary-does-
// everything posture (main.go's linear construct-store/construct-clients
// wiring) but as a Cobra command tree instead of a bubbletea TUI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/threeequarter/filings-rag/internal/blobstore"
	"github.com/threeequarter/filings-rag/internal/chat"
	"github.com/threeequarter/filings-rag/internal/config"
	"github.com/threeequarter/filings-rag/internal/convstore"
	"github.com/threeequarter/filings-rag/internal/domain"
	"github.com/threeequarter/filings-rag/internal/embed"
	"github.com/threeequarter/filings-rag/internal/jobqueue"
	"github.com/threeequarter/filings-rag/internal/logging"
	"github.com/threeequarter/filings-rag/internal/nexa"
	"github.com/threeequarter/filings-rag/internal/retrieval"
	"github.com/threeequarter/filings-rag/internal/vectorstore"
)

// deps bundles the collaborators every subcommand needs; each subcommand
// builds them from config with buildDeps and closes them when it returns.
type deps struct {
	cfg     *config.Config
	blobs   *blobstore.Store
	vectors vectorstore.Store
	queue   *jobqueue.Queue
	convs   *convstore.Store
}

func (d *deps) Close() {
	if d.vectors != nil {
		_ = d.vectors.Close()
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.convs != nil {
		_ = d.convs.Close()
	}
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	blobs, err := blobstore.New(cfg.BlobStoreBasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	vectors, err := vectorstore.NewBadgerStore(cfg.VectorStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	queue, err := jobqueue.Open(cfg.JobQueuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open job queue: %w", err)
	}
	convs, err := convstore.Open(cfg.ConversationStorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	return &deps{cfg: cfg, blobs: blobs, vectors: vectors, queue: queue, convs: convs}, nil
}

func main() {
	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
	}
	defer logging.Close()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ingestctl",
		Short: "Operate the filings ingestion and retrieval service",
	}
	root.AddCommand(newIngestCmd(), newStatusCmd(), newAskCmd())
	return root
}

func newIngestCmd() *cobra.Command {
	var userID string
	var filingTypes []string

	cmd := &cobra.Command{
		Use:   "ingest <company-identifier>",
		Short: "Enqueue a company's filings for ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			companyIdentifier := args[0]

			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			conv, err := d.convs.CreateConversation(companyIdentifier, userID, nil)
			if err != nil {
				return fmt.Errorf("failed to create conversation record: %w", err)
			}
			if err := pipelineSetup(d, conv.ID, userID, companyIdentifier, filingTypes); err != nil {
				return err
			}

			jobID, err := d.queue.Enqueue(domain.BatchProcessingState{
				ConversationID:    conv.ID,
				UserID:            userID,
				CompanyIdentifier: companyIdentifier,
				FilingTypes:       filingTypes,
				Status:            domain.StatusPending,
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}

			fmt.Printf("enqueued job %s for conversation %s (%s)\n", jobID, conv.ID, companyIdentifier)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli-user", "user id the ingestion belongs to")
	cmd.Flags().StringSliceVar(&filingTypes, "filing-types", []string{"10-K"}, "filing types to ingest")
	return cmd
}

// pipelineSetup writes the initial Pending BatchProcessingState the worker
// daemon's pipeline.Orchestrator.Run expects to already exist, mirroring
// pipeline.Orchestrator.SetupPipeline without pulling in the daemon's full
// collaborator set just to create this one record.
func pipelineSetup(d *deps, conversationID, userID, companyIdentifier string, filingTypes []string) error {
	if d.blobs.StateExists(conversationID) {
		return nil
	}
	return d.blobs.WriteState(conversationID, domain.BatchProcessingState{
		ConversationID:    conversationID,
		UserID:            userID,
		CompanyIdentifier: companyIdentifier,
		FilingTypes:       filingTypes,
		Status:            domain.StatusPending,
	})
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <conversation-id>",
		Short: "Print a conversation's ingestion status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			state, err := d.blobs.ReadState(args[0])
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}
			out, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}

func newAskCmd() *cobra.Command {
	var userID string
	var referenced []string

	cmd := &cobra.Command{
		Use:   "ask <conversation-id> <question...>",
		Short: "Ask a question against a completed conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID := args[0]
			question := strings.Join(args[1:], " ")

			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.Close()

			orch, err := buildAnswerOrchestrator(d)
			if err != nil {
				return err
			}

			userMsg, err := d.convs.AppendMessage(domain.Message{
				ConversationID: conversationID, Role: domain.RoleUser, Content: question,
			})
			if err != nil {
				return fmt.Errorf("failed to persist question: %w", err)
			}

			reply, err := orch.Answer(context.Background(), conversationID, userID, userMsg.ID, question, referenced)
			if err != nil {
				return fmt.Errorf("failed to answer: %w", err)
			}

			fmt.Println(reply.Content)
			if len(reply.Sources) > 0 {
				fmt.Println("\nSources:")
				for _, s := range reply.Sources {
					fmt.Printf("  %d. %s (chunks used: %d, relevance: %.3f)\n", s.Order+1, s.DocumentTitle, s.ChunksUsed, s.ClippedRelevance())
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli-user", "user id asking the question")
	cmd.Flags().StringSliceVar(&referenced, "referenced", nil, "document ids to include regardless of similarity")
	return cmd
}

func buildAnswerOrchestrator(d *deps) (*retrieval.AnswerOrchestrator, error) {
	nexaClient := nexa.NewClient("")
	embedder := embed.NewNexaProvider(nexaClient, d.cfg.EmbeddingModel, d.cfg.EmbeddingDimensions)
	defaultTier := chat.NewNexaProvider(nexaClient, d.cfg.ChatModel)
	fastTier := chat.NewNexaProvider(nexaClient, d.cfg.FastChatModel)

	classifier := retrieval.NewClassifier(defaultTier)
	strategy := retrieval.NewStrategy(d.cfg.Retrieval)
	rewriter := retrieval.NewQueryPreprocessor(fastTier)

	return retrieval.NewAnswerOrchestrator(d.convs, d.vectors, embedder, defaultTier, classifier, strategy, rewriter), nil
}
