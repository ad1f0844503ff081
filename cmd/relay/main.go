// Command relay is a terminal chat client: it streams completions from
// an OpenAI-compatible endpoint, persists the conversation, and retries
// transient failures with exponential backoff.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaychat/relay/chat"
	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/internal/metrics"
	"github.com/relaychat/relay/llm"
	"github.com/relaychat/relay/llm/providers/openai"
	"github.com/relaychat/relay/retry"
	"github.com/relaychat/relay/store"
	"github.com/relaychat/relay/tokenizer"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	est := tokenizer.NewTiktoken(cfg.LLM.Model)

	st, err := openStore(cfg, est, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	provider := openai.New(openai.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	}, logger)
	source := llm.NewSource(provider, cfg.LLM.StreamTimeout, logger)

	policy := retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, nil)
	collector := metrics.NewCollector("relay", prometheus.DefaultRegisterer)

	var personality *chat.Personality
	if cfg.Chat.SystemPrompt != "" {
		personality = &chat.Personality{
			SystemPrompt: cfg.Chat.SystemPrompt,
			Temperature:  cfg.LLM.Temperature,
		}
	}

	orch := chat.New(st, source, policy, chat.Config{
		ConversationID:   cfg.Chat.ConversationID,
		Model:            cfg.LLM.Model,
		MaxContextTokens: cfg.Chat.MaxContextTokens,
		Personality:      personality,
	}, logger, collector)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return repl(ctx, orch, logger)
}

func openStore(cfg *config.Config, est tokenizer.Estimator, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		}, est, logger)
	default:
		return store.OpenSQLite(cfg.Store.SQLitePath, est, logger)
	}
}

// repl reads user turns from stdin until EOF or interrupt. The /history
// and /clear commands operate on the persisted conversation.
func repl(ctx context.Context, orch *chat.Orchestrator, logger *zap.Logger) error {
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Println("relay ready. /history shows the conversation, /clear wipes it, ctrl-D exits.")

	for {
		fmt.Print("> ")
		if !in.Scan() {
			fmt.Println()
			return in.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(in.Text())
		switch {
		case line == "":
			continue
		case line == "/history":
			if err := printHistory(ctx, orch); err != nil {
				fmt.Println("history unavailable:", err)
			}
			continue
		case line == "/clear":
			if err := orch.Clear(ctx); err != nil {
				fmt.Println("clear failed:", err)
			} else {
				fmt.Println("conversation cleared.")
			}
			continue
		}

		if err := runTurn(ctx, orch, line); err != nil {
			logger.Warn("turn aborted", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// runTurn sends one message and folds the event stream through the
// view reducer, rendering deltas and retry notices as they arrive.
func runTurn(ctx context.Context, orch *chat.Orchestrator, text string) error {
	events, err := orch.Send(ctx, text)
	if err != nil {
		return err
	}

	state := chat.ViewState{Phase: chat.PhaseIdle}
	for ev := range events {
		state = chat.Reduce(state, ev)

		switch ev.Type {
		case chat.EventChunk:
			fmt.Print(ev.Chunk)
		case chat.EventRetrying:
			fmt.Printf("\n[attempt %d failed, retrying in %s] %s\n", ev.Attempt, ev.Delay.Round(time.Millisecond), state.Notice)
		case chat.EventComplete:
			fmt.Println()
		case chat.EventError:
			fmt.Println("\n" + state.Notice)
		}
	}
	return nil
}

func printHistory(ctx context.Context, orch *chat.Orchestrator) error {
	msgs, err := orch.LoadHistory(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("(empty)")
		return nil
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Role, m.Text)
	}
	return nil
}
