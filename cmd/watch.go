package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

const defaultTermWidth = 120

var (
	controlStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	inboundStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	replayStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

func watchCmd() *cobra.Command {
	var (
		threadID string
		replay   int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail relay traffic as a client",
		Long: "Connects to the running relay as a client and prints every frame it receives, one line each, " +
			"truncated to the terminal width. With --thread the watcher subscribes to that thread; " +
			"--replay N first prints the last N logged envelopes of the thread.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Token() == "" {
				return fmt.Errorf("no shared secret configured (run: agentrelay onboard)")
			}
			return runWatch(cmd.Context(), cfg, threadID, replay)
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "subscribe to this thread id")
	cmd.Flags().IntVar(&replay, "replay", 0, "print the last N logged envelopes of --thread before tailing")
	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config, threadID string, replay int) error {
	width := terminalWidth()

	if threadID != "" && replay > 0 {
		if err := printReplay(ctx, cfg, threadID, replay, width); err != nil {
			fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		}
	}

	wsURL, err := clientSocketURL(cfg.BaseURL())
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + cfg.Token()}},
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(int64(cfg.Relay.MaxMessageKB) * 1024)

	if threadID != "" {
		sub, _ := json.Marshal(protocol.ControlFrame{Type: protocol.FrameSubscribe, ThreadID: threadID})
		if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				fmt.Fprintf(os.Stderr, "relay closed the socket (%d)\n", status)
				return nil
			}
			return err
		}
		fmt.Println(formatFrame(time.Now(), data, width))
	}
}

func printReplay(ctx context.Context, cfg *config.Config, threadID string, limit, width int) error {
	q := url.Values{"order": {"desc"}, "limit": {strconv.Itoa(limit)}}
	path := "/api/threads/" + url.PathEscape(threadID) + "/events?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(cfg.BaseURL(), "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %d", resp.StatusCode)
	}

	// Newest first on the wire; print oldest first.
	var lines []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), cfg.Relay.MaxMessageKB*1024*2)
	for sc.Scan() {
		var env protocol.StoredEnvelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			continue
		}
		lines = append(lines, formatStored(env, width))
	}
	if err := sc.Err(); err != nil {
		return err
	}
	for i := len(lines) - 1; i >= 0; i-- {
		fmt.Println(lines[i])
	}
	return nil
}

// formatFrame renders one live frame as a single line of at most width cells.
func formatFrame(now time.Time, data []byte, width int) string {
	stamp := now.Format("15:04:05")
	var head struct {
		Type   string `json:"type"`
		Method string `json:"method"`
	}
	_ = json.Unmarshal(data, &head)

	compact := compactJSON(data)
	if strings.HasPrefix(head.Type, "relay.") {
		return controlStyle.Render(truncateLine(stamp+" "+head.Type+" "+compact, width))
	}
	label := head.Method
	if label == "" {
		label = "(response)"
	}
	return inboundStyle.Render(truncateLine(stamp+" "+label+" "+compact, width))
}

func formatStored(env protocol.StoredEnvelope, width int) string {
	stamp := time.UnixMilli(env.TS).Format("15:04:05")
	return replayStyle.Render(truncateLine(stamp+" "+env.Direction+" "+compactJSON(env.Message), width))
}

func compactJSON(data []byte) string {
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return strings.Join(strings.Fields(string(data)), " ")
	}
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return string(data)
	}
	return strings.TrimSpace(buf.String())
}

// truncateLine cuts s to width terminal cells, counting wide runes as two.
func truncateLine(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if v, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && v > 0 {
		return v
	}
	return defaultTermWidth
}

// clientSocketURL maps the relay base URL to its client WebSocket endpoint.
func clientSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
