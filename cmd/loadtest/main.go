package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go-assoc-chat/internal/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	baseURL     = flag.String("url", "http://localhost:8080", "server base url")
	pairs       = flag.Int("pairs", 50, "number of user pairs")
	msgCount    = flag.Int("msgs", 20, "messages per user")
	concurrency = flag.Int("concurrency", 100, "pairs running at once")
)

type authResponse struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func main() {
	flag.Parse()
	if err := logger.Init("info", "console"); err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Log

	log.Info("🔥 STARTING STRESS TEST", zap.Int("users", *pairs*2), zap.Int("msgs_per_user", *msgCount))
	start := time.Now()

	var st stats
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*concurrency)
	for i := 0; i < *pairs; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(ctx, pairID, &st); err != nil {
				st.failed.Add(1)
				log.Warn("pair_failed", zap.Int("pair", pairID), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()

	log.Info("✅ LOAD TEST COMPLETE",
		zap.Duration("took", time.Since(start)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("events_received", st.received.Load()),
		zap.Int64("failed_pairs", st.failed.Load()),
	)
}

func runPair(ctx context.Context, pairID int, st *stats) error {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, err := authenticate(userA, pass)
	if err != nil {
		return err
	}
	b, err := authenticate(userB, pass)
	if err != nil {
		return err
	}

	convID, err := createConversation(a.Token, b.ID)
	if err != nil {
		return err
	}

	if err := postStory(a.Token, fmt.Sprintf("load test story from %s", userA)); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return spamChat(ctx, a.Token, convID, userA, st) })
	g.Go(func() error { return spamChat(ctx, b.Token, convID, userB, st) })
	return g.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) (authResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON("", "/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("", "/login", creds)
	if err != nil {
		return authResponse{}, fmt.Errorf("login %s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return authResponse{}, fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return authResponse{}, err
	}
	return data, nil
}

func createConversation(token, targetID string) (string, error) {
	resp, err := postJSON(token, "/api/conversations", map[string]any{
		"type":    "private",
		"members": []string{targetID},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create conversation: status %d", resp.StatusCode)
	}

	var data struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	return data.ID, nil
}

func postStory(token, text string) error {
	resp, err := postJSON(token, "/api/stories", map[string]any{
		"content": map[string]string{"type": "text", "text": text},
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("create story: status %d", resp.StatusCode)
	}
	return nil
}

func spamChat(ctx context.Context, token, convID, user string, st *stats) error {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("ws connect %s: %w", user, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			st.received.Add(1)
		}
	}()

	for i := 0; i < *msgCount; i++ {
		frame := map[string]any{
			"op":              "send",
			"conversation_id": convID,
			"draft":           map[string]string{"content": fmt.Sprintf("LoadTest Msg %d from %s", i, user)},
		}
		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("send %s: %w", user, err)
		}
		st.sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	// Give the last delivery events a moment to arrive.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	<-done
	return nil
}

func postJSON(token, endpoint string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, errors.New(resp.Status)
	}
	return resp, nil
}
