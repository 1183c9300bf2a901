//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/TriviaNFT/trivianft/internal/domain"
)

const baseURL = "http://localhost:8080"

// TestPlay runs three anonymous players through a full session each against a
// locally running instance, then reads the leaderboard.
func TestPlay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	players := []string{
		"demo-" + uuid.New().String()[:8],
		"demo-" + uuid.New().String()[:8],
		"demo-" + uuid.New().String()[:8],
	}

	wg := new(sync.WaitGroup)
	rc := makeRedis(t)
	for _, p := range players {
		subscribeAsPlayer(t, rc, wg, p)
	}

	var eg errgroup.Group
	for _, p := range players {
		p := p
		eg.Go(func() error { return playSession(ctx, t, p) })
	}
	require.NoError(t, eg.Wait())

	var page struct {
		Entries []struct {
			Rank     int64  `json:"rank"`
			Identity string `json:"identity"`
			Points   int64  `json:"points"`
		} `json:"entries"`
	}
	get(ctx, t, "anyone", "/v1/leaderboard?limit=10", &page)
	for _, e := range page.Entries {
		t.Logf("#%d %s: %d points", e.Rank, e.Identity, e.Points)
	}

	wg.Wait()
}

func playSession(ctx context.Context, t *testing.T, player string) error {
	var ss struct {
		ID        string `json:"id"`
		Questions []struct {
			ID      string   `json:"id"`
			Options []string `json:"options"`
		} `json:"questions"`
	}
	if err := post(ctx, player, "/v1/sessions", `{"category":"science"}`, &ss); err != nil {
		return fmt.Errorf("player %q start session: %w", player, err)
	}
	t.Logf("Player %q started session %s with %d questions", player, ss.ID, len(ss.Questions))

	for i := range ss.Questions {
		var res struct {
			Correct bool `json:"correct"`
			Score   int  `json:"score"`
			Done    bool `json:"done"`
		}
		body := fmt.Sprintf(`{"question_index":%d,"option_index":0,"elapsed_ms":1500}`, i)
		if err := post(ctx, player, fmt.Sprintf("/v1/sessions/%s/answers", ss.ID), body, &res); err != nil {
			return fmt.Errorf("player %q answer %d: %w", player, i, err)
		}
		t.Logf("Player %q answered %d: correct=%v score=%d", player, i, res.Correct, res.Score)
	}

	var done struct {
		Score   int  `json:"score"`
		Total   int  `json:"total"`
		Perfect bool `json:"perfect"`
	}
	if err := post(ctx, player, fmt.Sprintf("/v1/sessions/%s/complete", ss.ID), "", &done); err != nil {
		return fmt.Errorf("player %q complete: %w", player, err)
	}
	t.Logf("Player %q finished: %d/%d perfect=%v", player, done.Score, done.Total, done.Perfect)

	return nil
}

func post(ctx context.Context, player, path, body string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Player-ID", player)

	return do(req, out)
}

func get(ctx context.Context, t *testing.T, player, path string, out any) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Player-ID", player)
	require.NoError(t, do(req, out))
}

func do(req *http.Request, out any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: status %d: %s %s", req.Method, req.URL.Path, resp.StatusCode, e.Code, e.Message)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func subscribeAsPlayer(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, player string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("local:pubsub:user:%s", player))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			if n.Event == domain.EventNameRewardConfirmed {
				t.Logf("Player %q reward confirmed: %s", player, n.Data)
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}
