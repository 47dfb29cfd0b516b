package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/galaxy/internal/config"
	"github.com/michaelbrown/galaxy/internal/logging"
	"github.com/michaelbrown/galaxy/internal/runner"
)

const (
	defaultTimeout = 10 * time.Second
	maxTimeout     = 120 * time.Second
	maxOutput      = 4000
)

// tool runs code_run calls one at a time; every run writes the same source
// file in the work directory.
type tool struct {
	launcher *runner.Launcher
	cfg      config.RunnerConfig
	logger   *zap.Logger

	mu sync.Mutex
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol; logs must stay on stderr.
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	langs, err := runner.LanguagesFor(cfg.Runner)
	if err != nil {
		logger.Fatal("loading languages", zap.Error(err))
	}

	t := &tool{
		launcher: runner.NewLauncher(langs, cfg.Runner, logger),
		cfg:      cfg.Runner,
		logger:   logger,
	}

	s := server.NewMCPServer("galaxy-code-runner", "0.1.0")
	s.AddTool(codeRunTool(langs), t.handleCodeRun)

	if err := server.ServeStdio(s); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

func codeRunTool(langs *runner.Languages) mcp.Tool {
	var names []string
	for _, l := range langs.List() {
		names = append(names, l.Name)
	}

	return mcp.Tool{
		Name: "code_run",
		Description: fmt.Sprintf("Compile if needed and run code on a pseudo-terminal, returning everything it prints. Supported languages: %s.",
			strings.Join(names, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Programming language (%s); defaults to %s", strings.Join(names, ", "), langs.Default()),
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Input for the program, sent one line at a time (optional)",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": fmt.Sprintf("Stop the program after this many seconds (default %d, max %d)", int(defaultTimeout.Seconds()), int(maxTimeout.Seconds())),
				},
			},
			Required: []string{"code"},
		},
	}
}

func (t *tool) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	stdin, _ := args["stdin"].(string)
	if code == "" {
		return errResult("error: 'code' is required"), nil
	}

	timeout := defaultTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := runner.Collect(ctx, t.launcher, t.cfg, t.logger, runner.RunRequest{Code: code, Lang: language}, stdinLines(stdin))
	return formatResult(res, timeout), nil
}

func stdinLines(stdin string) []string {
	if stdin == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(stdin, "\n"), "\n")
}

func formatResult(res *runner.Result, timeout time.Duration) *mcp.CallToolResult {
	var output strings.Builder
	output.WriteString(strings.ReplaceAll(res.Output, "\r\n", "\n"))

	failed := res.Status.State == runner.StateError
	switch {
	case res.TimedOut:
		fmt.Fprintf(&output, "\ntimed out after %s", timeout)
		failed = true
	case res.Status.ExitCode != nil && *res.Status.ExitCode != 0:
		fmt.Fprintf(&output, "\nexit code: %d", *res.Status.ExitCode)
		failed = true
	}

	text := truncate(output.String(), maxOutput)

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: failed,
	}
}

// truncate cuts text to at most limit bytes without splitting a UTF-8 sequence.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n... (output truncated)"
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
