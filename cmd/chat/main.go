package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/room4-2/bookingline/app"
	"github.com/room4-2/bookingline/config"
	"github.com/room4-2/bookingline/dialog"
	"github.com/room4-2/bookingline/messages"
)

const replyTimeout = 30 * time.Second

func main() {
	var rootCmd = &cobra.Command{
		Use:   "chat",
		Short: "Talk to the booking line from a terminal",
		Long: `Reads one utterance per line from stdin (or --file) and prints each reply.
Without --url the dialog runs in-process using the usual environment configuration;
with --url it connects to a running server's websocket endpoint.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			url, _ := cmd.Flags().GetString("url")
			file, _ := cmd.Flags().GetString("file")
			sessionID, _ := cmd.Flags().GetString("session")
			memory, _ := cmd.Flags().GetBool("memory")

			in := io.Reader(os.Stdin)
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			if url != "" {
				return runRemote(ctx, url, in, cmd.OutOrStdout())
			}
			return runLocal(ctx, sessionID, memory, in, cmd.OutOrStdout())
		},
	}

	rootCmd.Flags().StringP("url", "u", "", "Websocket URL of a running server, e.g. ws://localhost:8080/ws")
	rootCmd.Flags().StringP("file", "f", "", "Read utterances from a file instead of stdin")
	rootCmd.Flags().StringP("session", "s", "", "Session id for in-process runs (default: random)")
	rootCmd.Flags().Bool("memory", false, "Keep conversation state in memory instead of Redis")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runLocal(ctx context.Context, sessionID string, memory bool, in io.Reader, out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if memory {
		cfg.StorageBackend = "memory"
	}
	if err := app.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	fmt.Fprintf(out, "session %s\nbot: %s\n", sessionID, a.Engine.Greeting())

	return eachLine(in, out, func(line string) (bool, error) {
		res, err := a.Manager.HandleTurn(ctx, sessionID, line)
		if err != nil {
			return false, err
		}
		printReply(out, res.Reply, string(res.Outcome), string(res.State.CurrentStep))
		return isFinal(string(res.Outcome)), nil
	})
}

func runRemote(ctx context.Context, url string, in io.Reader, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close()

	msg, err := readMessage(conn)
	if err != nil {
		return err
	}
	if msg.Type == messages.TypeError {
		return fmt.Errorf("server refused session: %s", msg.Payload)
	}
	var status messages.StatusPayload
	if err := sonic.Unmarshal(msg.Payload, &status); err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s\nbot: %s\n", msg.SessionID, status.Message)

	err = eachLine(in, out, func(line string) (bool, error) {
		req, err := sonic.Marshal(map[string]any{
			"type":    messages.TypeTurn,
			"payload": messages.TurnPayload{Utterance: line},
		})
		if err != nil {
			return false, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
			return false, err
		}
		for {
			msg, err := readMessage(conn)
			if err != nil {
				return false, err
			}
			switch msg.Type {
			case messages.TypeTurn:
				var resp messages.TurnResponse
				if err := sonic.Unmarshal(msg.Payload, &resp); err != nil {
					return false, err
				}
				step := ""
				if resp.StateSnapshot != nil {
					step = string(resp.StateSnapshot.CurrentStep)
				}
				printReply(out, resp.ReplyText, resp.Outcome, step)
				return isFinal(resp.Outcome), nil
			case messages.TypeError:
				var e messages.ErrorPayload
				_ = sonic.Unmarshal(msg.Payload, &e)
				return false, fmt.Errorf("%s: %s", e.Code, e.Message)
			}
		}
	})

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return err
}

type rawMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

func readMessage(conn *websocket.Conn) (*rawMessage, error) {
	_ = conn.SetReadDeadline(time.Now().Add(replyTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg rawMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// isFinal reports whether the call is over from the caller's point of view.
func isFinal(outcome string) bool {
	switch dialog.Outcome(outcome) {
	case dialog.OutcomeCompleted, dialog.OutcomeEscalated, dialog.OutcomeFinished:
		return true
	}
	return false
}

// eachLine feeds non-empty, non-comment lines to fn until fn reports the
// conversation is over.
func eachLine(in io.Reader, out io.Writer, fn func(line string) (bool, error)) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fmt.Fprintf(out, "you: %s\n", line)
		done, err := fn(line)
		if err != nil {
			log.Error().Err(err).Msg("turn failed")
			return err
		}
		if done {
			return nil
		}
	}
	return scanner.Err()
}

func printReply(out io.Writer, reply, outcome, step string) {
	fmt.Fprintf(out, "bot: %s\n     [%s, step=%s]\n", reply, outcome, step)
}
