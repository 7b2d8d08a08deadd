package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ozkancirak/socialapp/internal/auth"
	"github.com/ozkancirak/socialapp/internal/users"
)

func TestActivityStreamEmitsPostLikedEvents(t *testing.T) {
	app := newTestApp(t, nil)
	server := httptest.NewServer(app.handler)
	t.Cleanup(server.Close)

	alice := app.token(t, auth.SessionTokenInput{Subject: "user_alice"})
	bob := app.token(t, auth.SessionTokenInput{Subject: "user_bob"})
	for _, token := range []string{alice, bob} {
		if recorder := serve(app.handler, http.MethodPost, "/users/sync", token, ""); recorder.Code != http.StatusOK {
			t.Fatalf("sync failed with %d", recorder.Code)
		}
	}

	created := serve(app.handler, http.MethodPost, "/posts", alice, `{"content":"stream me"}`)
	var post postPayload
	if err := json.Unmarshal(created.Body.Bytes(), &post); err != nil {
		t.Fatalf("failed to decode post: %v", err)
	}

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/activity/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamRequest.AddCookie(&http.Cookie{Name: auth.DefaultSessionCookieName, Value: alice})
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	aliceID := users.DeriveInternalID("alice")
	deadline := time.Now().Add(2 * time.Second)
	for app.realtime.SubscriberCount(aliceID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if recorder := serve(app.handler, http.MethodPost, "/posts/"+post.PostID+"/like", bob, ""); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected like status %d", recorder.Code)
	}

	type readResult struct {
		line string
		err  error
	}
	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	timeout := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-timeout:
			t.Fatal("timed out waiting for activity event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventPostLiked {
				continue
			}
			var payload activityEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.PostID != post.PostID {
				t.Fatalf("unexpected post id %q", payload.PostID)
			}
			if payload.ActorID != users.DeriveInternalID("bob") {
				t.Fatalf("unexpected actor id %q", payload.ActorID)
			}
			return
		}
	}
}
