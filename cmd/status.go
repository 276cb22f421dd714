package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type statusOptions struct {
	addr    string
	team    string
	apiKey  string
	timeout time.Duration
}

// newStatusCmd creates the 'status' subcommand, which asks a running server
// for a team's concurrency usage.
func newStatusCmd() *cobra.Command {
	o := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a team's concurrency limit, active jobs and backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			return runStatus(ctx, cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&o.team, "team", "", "team id")
	cmd.Flags().StringVar(&o.apiKey, "api-key", "", "API key when auth is enabled")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

type teamStatus struct {
	TeamID string `json:"team_id"`
	Limit  int    `json:"limit"`
	Active int64  `json:"active"`
	Queued int64  `json:"queued"`
}

func runStatus(ctx context.Context, out io.Writer, o *statusOptions) error {
	endpoint := strings.TrimRight(o.addr, "/") + "/v1/team/" + url.PathEscape(o.team) + "/concurrency"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if o.apiKey != "" {
		req.Header.Set("X-API-Key", o.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", o.addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var st teamStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	_, err = fmt.Fprintf(out, "team=%s limit=%d active=%d queued=%d\n", st.TeamID, st.Limit, st.Active, st.Queued)
	return err
}
