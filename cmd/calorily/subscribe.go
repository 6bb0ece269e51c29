package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/spf13/cobra"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Follow analysis results for a user",
	Long: `Connect to the websocket endpoint and print analysis events as they
arrive. After every (re)connect the command catches up on results it
missed through the sync endpoint, starting from the last timestamp seen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		sinceRaw, _ := cmd.Flags().GetString("since")
		if token == "" {
			token = os.Getenv("CALORILY_TOKEN")
		}
		if token == "" {
			return errors.New("a session token is required (--token or CALORILY_TOKEN)")
		}

		var since time.Time
		if sinceRaw != "" {
			t, err := time.Parse(time.RFC3339Nano, sinceRaw)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			since = t
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := &subscriber{server: strings.TrimRight(server, "/"), token: token, since: since, out: cmd.OutOrStdout()}
		return s.run(ctx)
	},
}

func init() {
	subscribeCmd.Flags().String("server", "http://localhost:8080", "API base URL")
	subscribeCmd.Flags().String("token", "", "session token (default $CALORILY_TOKEN)")
	subscribeCmd.Flags().String("since", "", "only show results newer than this RFC 3339 timestamp")
}

type subscriber struct {
	server string
	token  string
	since  time.Time
	out    io.Writer
	client http.Client
}

type wireAnalysis struct {
	MealID      string              `json:"meal_id"`
	MealName    string              `json:"meal_name"`
	Reason      string              `json:"reason"`
	Ingredients []models.Ingredient `json:"ingredients"`
	Timestamp   time.Time           `json:"timestamp"`
}

func (s *subscriber) run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprintf(s.out, "disconnected: %v (retrying in %s)\n", err, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 30*time.Second)
	}
}

// session connects first and syncs second so nothing lands in between.
func (s *subscriber) session(ctx context.Context) error {
	wsURL, err := url.Parse(s.server)
	if err != nil {
		return err
	}
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/ws"
	wsURL.RawQuery = url.Values{"token": {s.token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errors.New("session token rejected")
		}
		return err
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := s.catchUp(ctx); err != nil {
		return err
	}

	for {
		var ev struct {
			Type string       `json:"type"`
			Data wireAnalysis `json:"data"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		switch ev.Type {
		case "analysis_complete":
			s.print(ev.Data)
		case "analysis_failed":
			fmt.Fprintf(s.out, "%s  failed: %s\n", ev.Data.MealID, ev.Data.Reason)
		}
	}
}

func (s *subscriber) catchUp(ctx context.Context) error {
	// the zero time asks for the full history
	u := s.server + "/meals/sync?since=" + url.QueryEscape(s.since.UTC().Format(time.RFC3339Nano))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync failed: %s", resp.Status)
	}

	var body struct {
		Analyses []wireAnalysis `json:"analyses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	// oldest first so the cursor only moves forward
	for i := len(body.Analyses) - 1; i >= 0; i-- {
		s.print(body.Analyses[i])
	}
	return nil
}

func (s *subscriber) print(a wireAnalysis) {
	var kcal float64
	for _, in := range a.Ingredients {
		kcal += in.Calories()
	}
	fmt.Fprintf(s.out, "%s  %-24s %4.0f kcal  (%d ingredients)  %s\n",
		a.MealID, a.MealName, kcal, len(a.Ingredients), a.Timestamp.Format(time.RFC3339))
	if a.Timestamp.After(s.since) {
		s.since = a.Timestamp
	}
}
