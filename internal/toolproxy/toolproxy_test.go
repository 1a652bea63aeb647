package toolproxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/questwhisper/questwhisper/internal/resilience"
)

func TestCall_PostsNameAndArgs(t *testing.T) {
	t.Parallel()

	var got struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}
	var ctype, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		ctype = r.Header.Get("Content-Type")
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		io.WriteString(w, `{"roll":17}`)
	}))
	defer srv.Close()

	c := New(srv.URL, WithHeader("Authorization", "Bearer x"))
	out, err := c.Call(context.Background(), "roll_dice", `{"sides":20}`)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != `{"roll":17}` {
		t.Errorf("result = %q", out)
	}
	if got.Name != "roll_dice" || got.Args["sides"] != float64(20) {
		t.Errorf("request = %+v", got)
	}
	if ctype != "application/json" || auth != "Bearer x" {
		t.Errorf("headers: content-type=%q authorization=%q", ctype, auth)
	}
}

func TestCall_EmptyArgsSentAsObject(t *testing.T) {
	t.Parallel()

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Call(context.Background(), "list_quests", ""); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if body != `{"name":"list_quests","args":{}}` {
		t.Errorf("body = %s", body)
	}
}

func TestCall_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such tool", http.StatusNotFound)
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, err := c.Call(context.Background(), "missing", "{}")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound || se.Body != "no such tool" {
		t.Errorf("err = %v, want StatusError 404", err)
	}

	if _, err := c.Call(context.Background(), "", "{}"); !errors.Is(err, ErrEmptyName) {
		t.Errorf("err = %v, want ErrEmptyName", err)
	}

	if _, err := c.Call(context.Background(), "bad", "{not json"); err == nil || !strings.Contains(err.Error(), "not valid JSON") {
		t.Errorf("err = %v, want invalid JSON error", err)
	}
}

func TestCall_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	if _, err := c.Call(context.Background(), "slow", "{}"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Name == "fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "done:"+req.Name)
	}))
	defer srv.Close()

	h := New(srv.URL).Handler(context.Background())
	if out, err := h("open_door", `{}`); err != nil || out != "done:open_door" {
		t.Errorf("handler = %q, %v", out, err)
	}
	if _, err := h("fail", `{}`); err == nil {
		t.Error("expected error from failing tool")
	}
}

func TestCall_Breaker(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Name == "unknown" {
			http.Error(w, "no such tool", http.StatusNotFound)
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	b := resilience.NewBreaker(resilience.Config{Name: "tools", MaxFailures: 2, Cooldown: time.Hour})
	c := New(srv.URL, WithBreaker(b))
	ctx := context.Background()

	// Client errors do not trip the breaker.
	for range 3 {
		_, _ = c.Call(ctx, "unknown", "{}")
	}
	if b.State() != resilience.Closed {
		t.Fatalf("state after 4xx = %v, want closed", b.State())
	}

	for range 2 {
		var se *StatusError
		if _, err := c.Call(ctx, "roll_dice", "{}"); !errors.As(err, &se) || se.Code != http.StatusBadGateway {
			t.Fatalf("err = %v, want StatusError 502", err)
		}
	}
	if b.State() != resilience.Open {
		t.Fatalf("state after 5xx = %v, want open", b.State())
	}

	before := hits.Load()
	if _, err := c.Call(ctx, "roll_dice", "{}"); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if hits.Load() != before {
		t.Error("open breaker still reached the endpoint")
	}
}
