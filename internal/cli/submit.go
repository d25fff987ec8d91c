package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var submitOpts struct {
	addr     string
	platform string
	user     string
	thread   string
	channel  string
	priority string
}

var submitCmd = &cobra.Command{
	Use:   "submit <message>",
	Short: "Queue a message on a running daemon",
	Long: `Queue a message on a running daemon through its HTTP ingress. The reply is
delivered on the stream endpoint; use "devrel ask" for a synchronous answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var closeCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session on a running daemon",
	Long:  `Cancel a session's pending workflow, drop it from memory and archive its transcript.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runClose,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitOpts.addr, "addr", "", "ingress address (default from config)")
	f.StringVar(&submitOpts.platform, "platform", "system", "source platform (github, discord, slack, discourse, system)")
	f.StringVar(&submitOpts.user, "user", "cli", "user id")
	f.StringVar(&submitOpts.thread, "thread", "", "thread id; the session id is derived from it")
	f.StringVar(&submitOpts.channel, "channel", "", "channel id")
	f.StringVar(&submitOpts.priority, "priority", "medium", "task priority (low, medium, high)")
	closeCmd.Flags().StringVar(&submitOpts.addr, "addr", "", "ingress address (default from config)")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(closeCmd)
}

type ingressReply struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	base, err := ingressBase()
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"user_id":    submitOpts.user,
		"platform":   submitOpts.platform,
		"thread_id":  submitOpts.thread,
		"channel_id": submitOpts.channel,
		"content":    strings.Join(args, " "),
		"priority":   submitOpts.priority,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, base+"/v1/requests", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	reply, err := callIngress(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued task %s for session %s\n", reply.TaskID, reply.SessionID)
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	base, err := ingressBase()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, base+"/v1/sessions/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	reply, err := callIngress(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued close of session %s\n", reply.SessionID)
	return nil
}

func ingressBase() (string, error) {
	addr := submitOpts.addr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		if !cfg.Ingress.Enabled {
			return "", fmt.Errorf("ingress is disabled in the config")
		}
		addr = fmt.Sprintf("%s:%d", cfg.Ingress.Host, cfg.Ingress.Port)
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

func callIngress(req *http.Request) (ingressReply, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return ingressReply{}, fmt.Errorf("ingress unreachable, is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	var reply ingressReply
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return reply, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &reply); err != nil {
			return reply, fmt.Errorf("unexpected ingress response (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
	}
	if resp.StatusCode != http.StatusAccepted {
		if reply.Error == "" {
			reply.Error = http.StatusText(resp.StatusCode)
		}
		return reply, fmt.Errorf("ingress rejected request (%d): %s", resp.StatusCode, reply.Error)
	}
	return reply, nil
}
