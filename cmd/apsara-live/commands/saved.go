package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var savedCmd = &cobra.Command{
	Use:   "saved",
	Short: "Manage server-side saved sessions",
	Long: `List or delete session snapshots the relay kept for resumption.

Examples:
  apsara-live saved list
  apsara-live saved delete s_abc123`,
}

var savedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := relayRequest(http.MethodGet, "/v1/live/sessions")
		if err != nil {
			return err
		}
		var resp struct {
			Sessions []struct {
				SessionID string    `json:"sessionId"`
				Model     string    `json:"model"`
				Voice     string    `json:"voice"`
				SavedAt   time.Time `json:"savedAt"`
				Reason    string    `json:"reason"`
			} `json:"sessions"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode saved sessions: %w", err)
		}
		if len(resp.Sessions) == 0 {
			fmt.Println("no saved sessions")
			return nil
		}
		for _, s := range resp.Sessions {
			fmt.Printf("%s  %s  %s  saved %s (%s)\n",
				s.SessionID, s.Model, s.Voice,
				s.SavedAt.Local().Format(time.RFC3339), s.Reason)
		}
		return nil
	},
}

var savedDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a saved session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := relayRequest(http.MethodDelete, "/v1/live/sessions/"+url.PathEscape(args[0])); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

func init() {
	savedCmd.AddCommand(savedListCmd)
	savedCmd.AddCommand(savedDeleteCmd)
}

// relayHTTPBase turns the websocket endpoint into the relay's HTTP origin.
func relayHTTPBase() (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}

func relayRequest(method, path string) ([]byte, error) {
	base, err := relayHTTPBase()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach relay: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode, msg)
	}
	return body, nil
}
