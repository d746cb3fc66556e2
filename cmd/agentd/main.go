package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Autonomous agent runtime with tool execution and operator sessions",
	Long: `agentd drives a model-directed agent loop: it sends the conversation to an
LLM provider, executes the tool the model asks for inside a sandboxed workspace,
and streams every step to operators over NATS while persisting it to SQLite.

Provider credentials are read from LLM_API_BASE_URL, LLM_API_KEY and
LLM_API_MODEL. Everything else comes from ~/.config/agent_runtime/config.yaml,
./agent_runtime.yml and AGENT_RUNTIME_* variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}
