package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lfglabs-dev/api.calorily.com/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberCatchUpThenLive(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rice := []models.Ingredient{{Name: "rice", Amount: 150, Carbs: 40, Proteins: 3, Fats: 1}}
	var gotSince string

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/meals/sync", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		gotSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode(map[string]any{"analyses": []wireAnalysis{
			{MealID: "m2", MealName: "Salad", Ingredients: rice, Timestamp: t1.Add(2 * time.Second)},
			{MealID: "m1", MealName: "Rice bowl", Ingredients: rice, Timestamp: t1.Add(time.Second)},
		}})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "analysis_failed", "data": map[string]string{"meal_id": "m3", "reason": "no food detected in image"}})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	s := &subscriber{server: srv.URL, token: "tok", since: t1, out: &out}
	err := s.session(context.Background())
	require.Error(t, err, "session ends when the server closes")

	assert.Equal(t, t1.Format(time.RFC3339Nano), gotSince)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "m1"), "catch-up prints oldest first")
	assert.Contains(t, lines[0], "181 kcal")
	assert.True(t, strings.HasPrefix(lines[1], "m2"))
	assert.Contains(t, lines[2], "failed: no food detected in image")
	assert.True(t, s.since.Equal(t1.Add(2*time.Second)))
}

func TestSubscriberCatchUpFromScratch(t *testing.T) {
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode(map[string]any{"analyses": []wireAnalysis{}})
	}))
	defer srv.Close()

	var out bytes.Buffer
	s := &subscriber{server: srv.URL, token: "tok", out: &out}
	require.NoError(t, s.catchUp(context.Background()))

	parsed, err := time.Parse(time.RFC3339Nano, gotSince)
	require.NoError(t, err)
	assert.True(t, parsed.IsZero())
	assert.Empty(t, out.String())
}
