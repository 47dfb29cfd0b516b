package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var urlFlag string

var attachCmd = &cobra.Command{
	Use:   "attach <file>",
	Short: "Run a program on a Galaxy server",
	Long: `Send a source file to a running Galaxy server over its websocket and
interact with the program from this terminal. Ctrl+C stops the program.

Examples:
  galaxy attach hello.py
  galaxy attach main.cpp --url ws://build-box:5000/ws`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&urlFlag, "url", "ws://localhost:5000/ws", "Server websocket URL")
	attachCmd.Flags().StringVar(&langFlag, "lang", "", "Language tag (python, cpp, ...)")
	rootCmd.AddCommand(attachCmd)
}

type clientMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Lang    string `json:"lang,omitempty"`
	Content string `json:"content,omitempty"`
}

type serverMessage struct {
	Type     string `json:"type"`
	RunID    string `json:"run_id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code"`
}

func runAttach(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}
	lang := langFlag
	if lang == "" {
		lang = langFromPath(args[0])
	}

	conn, _, err := websocket.DefaultDialer.Dial(urlFlag, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", urlFlag, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(clientMessage{Type: "run", Code: string(code), Lang: lang}); err != nil {
		return fmt.Errorf("sending run: %w", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()
	out := rl.Stdout()

	// The first event after our run request names the run; events of any
	// other client's run are skipped.
	var final *serverMessage
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer rl.Close()
		runID := ""
		for {
			var msg serverMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "output", "status":
				if runID == "" {
					runID = msg.RunID
				}
				if msg.RunID != runID {
					continue
				}
				if msg.Type == "output" {
					io.WriteString(out, msg.Content)
					continue
				}
				final = &msg
				return
			case "error":
				fmt.Fprintf(out, "server: %s\n", msg.Content)
			}
		}
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			select {
			case <-done:
			default:
				if err := conn.WriteJSON(clientMessage{Type: "stop"}); err != nil {
					return fmt.Errorf("sending stop: %w", err)
				}
			}
			break
		}
		if err := conn.WriteJSON(clientMessage{Type: "input", Content: line}); err != nil {
			return fmt.Errorf("sending input: %w", err)
		}
	}

	<-done
	fmt.Fprintln(os.Stderr)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	switch {
	case final == nil:
		return errors.New("connection closed before the program finished")
	case final.Status == "error":
		return errors.New("launch failed")
	case final.ExitCode != nil && *final.ExitCode != 0:
		return fmt.Errorf("program exited with code %d", *final.ExitCode)
	}
	return nil
}
