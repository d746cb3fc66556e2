package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agent_runtime/internal/config"
	"agent_runtime/internal/service/session"
	"agent_runtime/pkg/contextmgr"
	"agent_runtime/pkg/events"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/mcp"
	"agent_runtime/pkg/orchestrator"
	"agent_runtime/pkg/tools"
	"agent_runtime/pkg/tools/builtin"
	"agent_runtime/pkg/tools/memory"
)

var runCmd = &cobra.Command{
	Use:   "run <instruction>",
	Short: "Run one instruction in the current directory and print its events",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

var runFlags struct {
	json    bool
	noBash  bool
	verbose bool
}

func init() {
	runCmd.Flags().BoolVar(&runFlags.json, "json", false, "print events as JSON lines")
	runCmd.Flags().BoolVar(&runFlags.noBash, "no-bash", false, "disable the bash tool")
	runCmd.Flags().BoolVarP(&runFlags.verbose, "verbose", "v", false, "log to stderr")
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.Discard()
	if runFlags.verbose {
		log = logging.NewWithLevel(os.Stderr, cfg.LogJSON, logging.ParseLevel(cfg.LogLevel))
	}
	ctx := log.WithContext(cmd.Context())

	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	client, err := llm.NewModelClient(llm.ConfigFromRuntime(cfg.LLM))
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}

	sc := cfg.Session()
	if runFlags.noBash {
		sc.Permissions.AllowBash = false
	}
	ws := tools.NewToolContext(dir).WithPermissions(sc.Permissions)
	if sc.BashTimeout > 0 {
		ws = ws.WithBashTimeout(sc.BashTimeout)
	}

	registry := tools.NewRegistry()
	builtin.RegisterAll(registry, ws)
	registry.MustRegister(memory.NewSimpleMemoryTool())
	registry.MustRegister(memory.NewCompactifyTool(contextmgr.NewLLMSummarizing(sc.Context, client)))

	servers := mcp.ConnectAll(ctx, sc.MCPServers)
	defer func() {
		for _, srv := range servers {
			_ = srv.Close()
		}
	}()
	for _, srv := range servers {
		if err := srv.RegisterTools(registry); err != nil {
			log.Warn("skipping mcp tools", "mcp_server", srv.Name(), "error", err)
		}
	}

	manager, err := tools.NewInteractiveManager(registry, false)
	if err != nil {
		return err
	}

	var ctxMgr contextmgr.ContextManager = contextmgr.NewAmortizedForgetting(sc.Context)
	if sc.ContextStrategy == session.StrategySummarizing {
		ctxMgr = contextmgr.NewLLMSummarizing(sc.Context, client)
	}

	agentCfg := sc.Agent
	agentCfg.WorkDir = dir
	out := cmd.OutOrStdout()
	loop := orchestrator.NewAgentLoop(client, manager,
		orchestrator.WithConfig(agentCfg),
		orchestrator.WithContextManager(ctxMgr),
		orchestrator.WithEmitter(events.EmitterFunc(func(e events.Event) {
			printEvent(out, e, runFlags.json)
		})),
	)

	// The first interrupt stops the agent at its next checkpoint; the model
	// call in flight is allowed to finish.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		if _, ok := <-sig; ok {
			loop.Cancel()
		}
	}()

	printEvent(out, events.UserMessage(args[0]), runFlags.json)
	res, err := loop.Run(context.WithoutCancel(ctx), args[0], nil, false)
	if err != nil {
		return err
	}
	log.Info("run finished", "status", res.Status.String(), "turns", res.Stats.Turns,
		"input_tokens", res.Stats.InputTokens, "output_tokens", res.Stats.OutputTokens)

	switch res.Status {
	case orchestrator.StateCompleted, orchestrator.StateInterrupted:
		return nil
	default:
		return fmt.Errorf("agent stopped: %s", res.Status)
	}
}

func printEvent(w io.Writer, e events.Event, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(e)
		return
	}
	switch e.Type {
	case events.TypeUserMessage:
		fmt.Fprintf(w, "> %s\n", e.String("text"))
	case events.TypeToolCall:
		input, _ := json.Marshal(e.Content["tool_input"])
		fmt.Fprintf(w, "[tool] %s %s\n", e.String("tool_name"), input)
	case events.TypeToolResult:
		marker := "ok"
		if isErr, _ := e.Content["is_error"].(bool); isErr {
			marker = "error"
		}
		text := e.String("summary")
		if text == "" {
			text = truncate(e.String("result"), 400)
		}
		fmt.Fprintf(w, "[%s] %s\n", marker, text)
	case events.TypeAgentResponse:
		fmt.Fprintf(w, "\n%s\n", e.String("text"))
	case events.TypeAgentCancelled:
		fmt.Fprintln(w, "[cancelled]")
	case events.TypeError:
		fmt.Fprintf(w, "[error] %s\n", e.String("message"))
	case events.TypeSystem:
		fmt.Fprintf(w, "[system] %s\n", e.String("message"))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
