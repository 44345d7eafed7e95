package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/poer2023/chusea-sub003/internal/adapter/aiclient"
	"github.com/poer2023/chusea-sub003/internal/adapter/gateway"
	"github.com/poer2023/chusea-sub003/internal/adapter/provider"
	"github.com/poer2023/chusea-sub003/internal/adapter/rest"
	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
	"github.com/poer2023/chusea-sub003/internal/infra/logger"
	"github.com/poer2023/chusea-sub003/internal/infra/tracer"
	"github.com/poer2023/chusea-sub003/internal/storage"
	"github.com/poer2023/chusea-sub003/internal/usecase"
	"github.com/poer2023/chusea-sub003/internal/usecase/eventbus"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "chat":
		err = runChat(args)
	case "help", "--help", "-h":
		showUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chusea help' for usage.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chusea - AI writing assistant gateway and client

USAGE:
    chusea [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the gateway server (default)
    chat        Connect to a gateway and chat from the terminal

FLAGS:
    --config PATH    Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CHUSEA_* variables override config
    CHUSEA_AUTH_KEY enables encrypted token persistence for the client`)
}

func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("chusea", flag.ContinueOnError)
	cfgPath := fs.String("config", "./config.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*cfgPath)
}

func runServe(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	var docStore domain.DocumentStore
	var runStore domain.WorkflowStore
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := storage.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer store.Close()
		docStore, runStore = store, store
	default:
		mem := storage.NewMemory()
		docStore, runStore = mem, mem
	}

	docs := usecase.NewDocumentService(docStore, bus, nil, log)
	workflows := usecase.NewWorkflowService(runStore, bus, log)
	prov := provider.NewScripted(cfg.Server.Provider)

	srv := gateway.NewServer(cfg.Server, prov, docs, workflows, log)
	return srv.Start(ctx)
}

func runChat(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New(log)
	defer bus.Close()

	var auth *usecase.AuthService
	api := rest.NewClient(cfg.Client, log, rest.WithTokenSource(func() string {
		if auth == nil {
			return ""
		}
		return auth.Token()
	}))
	auth = usecase.NewAuthService(api, bus, cfg.Auth, log)
	if err := auth.LoadPersisted(); err != nil {
		log.Warn("restore session failed", "error", err)
	}

	ws, err := aiclient.Dial(ctx, cfg.Client.WSURL,
		aiclient.WithTimeout(cfg.Client.RequestTimeout),
		aiclient.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ws.Close()
	assistant := aiclient.NewBreakerClient(ws, cfg.Client.Breaker, log)

	chat := usecase.NewChatService(assistant, bus, usecase.NewCommandRegistry(), log)
	conv := chat.NewConversation("terminal session")

	janitor, err := usecase.NewJanitor(cfg.Housekeeping, chat, api, log)
	if err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}
	if cfg.Housekeeping.Enabled {
		janitor.Start()
		defer janitor.Stop()
	}

	// Print stream deltas as they arrive.
	unsub := bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, e domain.Event) {
		var delta domain.StreamDeltaPayload
		if err := json.Unmarshal(e.Payload, &delta); err == nil {
			fmt.Print(delta.Content)
		}
	})
	defer unsub()

	fmt.Println("connected — type a message, /command, or ctrl-d to quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := chat.SendMessage(ctx, conv.ID, line); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			continue
		}
		fmt.Println()
	}
	return scanner.Err()
}
