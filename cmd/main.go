package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"compactbot/internal/config"
	"compactbot/internal/embedding"
	"compactbot/internal/helper"
	"compactbot/internal/index"
	"compactbot/internal/llmservice"
	"compactbot/internal/models"
	"compactbot/internal/prompt"
	"compactbot/internal/rag"
	"compactbot/internal/telemetry"
)

const (
	configFilePath = "./configs/config.yaml"
	maxLineBytes   = 1 << 20
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", configFilePath, "Path to the YAML config file")
	query := flag.String("query", "", "Question to answer; starts an interactive chat when empty")
	variant := flag.String("variant", "", "Pipeline variant: chain or direct (overrides config)")
	stream := flag.Bool("stream", false, "Stream the answer as it is generated")
	rebuild := flag.Bool("rebuild", false, "Rebuild the vector index even if a persisted one is current")
	dryRun := flag.Bool("dry-run", false, "Load and chunk the corpus, print stats, do not embed or store")
	exportPath := flag.String("export", "", "Write a snapshot of the vector index to this file")
	importPath := flag.String("import", "", "Replace the vector index with a snapshot written by -export")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	if *variant != "" {
		cfg.RAG.Variant = *variant
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid -variant")
		}
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Debug().Interface("rag", cfg.RAG).Msg("Loaded config")

	if *importPath != "" && *rebuild {
		log.Fatal().Msg("-import and -rebuild can't be combined")
	}
	if cfg.HasSentry() {
		flush := telemetry.Init(cfg.Secrets.SentryDSN, os.Getenv("COMPACTBOT_ENV"), cfg.LogLevel == "debug")
		defer flush()
	}

	// Ctrl-C aborts startup and one-shot queries. The REPL traps it per turn.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedder")
	}
	builder := index.NewBuilder(cfg, embedder)

	if *dryRun {
		stats, err := builder.Plan()
		if err != nil {
			log.Fatal().Err(err).Msg("Error loading corpus")
		}
		helper.PrettyPrint(stats)
		return
	}

	idx, err := loadIndex(ctx, builder, *rebuild, *importPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error building vector index")
	}
	defer idx.Close()

	if *exportPath != "" {
		if err := builder.Export(ctx, *exportPath); err != nil {
			log.Fatal().Err(err).Msg("Error exporting vector index")
		}
		if *query == "" {
			return
		}
	}

	assembler, err := prompt.New(cfg.RAG.PromptFile, cfg.RAG.MaxPromptChars)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading prompt template")
	}
	chatModel, err := llmservice.NewChatModel(&cfg.ChatLLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing chat model")
	}
	engine, err := rag.NewEngine(cfg, idx, assembler, llmservice.NewClient(chatModel, cfg.ChatLLM.Temperature))
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating pipeline")
	}

	session := rag.NewSession(cfg.RAG.Variant, cfg.History.MaxTurns)
	streaming := *stream || cfg.RAG.Stream

	if *query != "" {
		if err := answer(ctx, engine, session, *query, streaming, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("Error querying")
		}
		return
	}

	stop()
	sessionCtx, stopSession := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stopSession()
	chat(sessionCtx, engine, session, streaming, os.Stdin, os.Stdout)
}

func loadIndex(ctx context.Context, builder *index.Builder, rebuild bool, snapshot string) (index.VectorIndex, error) {
	if snapshot != "" {
		return builder.Import(ctx, snapshot)
	}
	if !rebuild {
		return builder.GetOrBuild(ctx)
	}
	idx, stats, err := builder.Rebuild(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Int("documents", stats.Documents).Int("chunks", stats.Chunks).Msg("Rebuilt vector index")
	return idx, nil
}

// chat reads one question per line until EOF, "exit", or ctx is done. Each
// turn traps Ctrl-C for itself: an interrupt cancels the running answer, and
// at the prompt it keeps its default behavior.
func chat(ctx context.Context, engine rag.Engine, session *rag.Session, streaming bool, in io.Reader, out io.Writer) {
	fmt.Fprintf(out, "%s\n\n", models.WelcomeMessage)
	log.Debug().Str("session", session.ID.String()).Str("variant", session.Variant).Msg("Chat started")

	done := make(chan struct{})
	defer close(done)
	lines := readLines(in, done)

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return
			}
			line = l
		}

		question := strings.TrimSpace(line)
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			fmt.Fprintln(out)
			return
		}

		turnCtx, stopTurn := signal.NotifyContext(ctx, os.Interrupt)
		err := answer(turnCtx, engine, session, question, streaming, out)
		interrupted := turnCtx.Err() != nil
		stopTurn()

		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case interrupted:
			fmt.Fprint(out, "Interrupted.\n\n")
		default:
			event := log.Error()
			if rag.IsTurnError(err) {
				event = log.Warn()
			}
			event.Err(err).Msg("Could not answer, please try again")
		}
	}
}

// readLines feeds the lines of in to the returned channel until EOF or done.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Error().Err(err).Msg("Error reading input")
		}
	}()
	return lines
}

// answer runs one turn and writes the reply to out.
func answer(ctx context.Context, engine rag.Engine, session *rag.Session, question string, streaming bool, out io.Writer) error {
	telemetry.AddBreadcrumb(ctx, "turn", question)
	err := runTurn(ctx, engine, session, question, streaming, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		telemetry.CaptureError(ctx, err, map[string]string{
			"session": session.ID.String(),
			"variant": session.Variant,
		})
	}
	return err
}

func runTurn(ctx context.Context, engine rag.Engine, session *rag.Session, question string, streaming bool, out io.Writer) error {
	if streaming {
		fragments, err := engine.AskStream(ctx, session, question)
		if err != nil {
			return err
		}
		for f := range fragments {
			if f.Err != nil {
				fmt.Fprintln(out)
				return f.Err
			}
			fmt.Fprint(out, f.Text)
		}
		fmt.Fprint(out, "\n\n")
		return ctx.Err()
	}

	response, err := engine.Ask(ctx, session, question)
	if err != nil {
		return err
	}

	log.Debug().Str("source", response.Source).Msg("Answered")
	fmt.Fprintf(out, "%s\n\n", response.Content)
	if response.Source != "" {
		fmt.Fprintf(out, "Sources: %s\n\n", response.Source)
	}
	return nil
}
