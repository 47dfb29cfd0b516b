package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/galaxy/internal/logging"
	"github.com/michaelbrown/galaxy/internal/runner"
)

var langFlag string

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a program in this terminal",
	Long: `Compile if needed and run a source file on a pseudo-terminal, streaming its
output here. Each line typed is sent to the program. Ctrl+C stops the program;
Ctrl+D closes input and stops it.

The language is taken from --lang, else from the file extension.

Examples:
  galaxy run hello.py
  galaxy run main.cpp
  galaxy run solution.txt --lang python`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&langFlag, "lang", "", "Language tag (python, cpp, ...)")
	rootCmd.AddCommand(runCmd)
}

// langFromPath guesses a language tag from a file extension. An empty result
// selects the configured default.
func langFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python"
	case ".cpp", ".cc", ".cxx", ".c++", ".hpp":
		return "cpp"
	}
	return ""
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	lang := langFlag
	if lang == "" {
		lang = langFromPath(args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logLevelFlag == "" {
		// Keep run chatter off the program's terminal.
		cfg.Log.Level = "warn"
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	langs, err := runner.LanguagesFor(cfg.Runner)
	if err != nil {
		return fmt.Errorf("loading languages: %w", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	var exitCode *int
	var mu sync.Mutex
	sink := runner.SinkFuncs{
		OnOutput: func(_, text string) {
			io.WriteString(out, text)
		},
		OnStatus: func(_ string, st runner.Status) {
			mu.Lock()
			exitCode = st.ExitCode
			mu.Unlock()
		},
	}

	sup := runner.NewSupervisor(runner.NewLauncher(langs, cfg.Runner, logger), sink, cfg.Runner, logger)
	defer sup.Shutdown()

	sess, err := sup.StartRun(context.Background(), runner.RunRequest{Code: string(code), Lang: lang})
	if err != nil {
		// The diagnostic has already been printed.
		return errors.New("launch failed")
	}

	go func() {
		<-sess.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			sup.Stop()
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || finished(sess) {
				break
			}
			return err
		}
		sup.SendInput(line)
	}

	<-sess.Done()
	fmt.Fprintln(os.Stderr)

	mu.Lock()
	defer mu.Unlock()
	if exitCode != nil && *exitCode != 0 {
		return fmt.Errorf("program exited with code %d", *exitCode)
	}
	return nil
}

func finished(sess *runner.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}
