package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mijyuoon/MijDiscord/models"

	"github.com/pkg/errors"
)

type recorded struct {
	method string
	path   string
	body   []byte
}

func newRecordingAPI(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*API, func() []recorded) {
	t.Helper()

	var mu sync.Mutex
	var calls []recorded
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recorded{method: r.Method, path: r.URL.RequestURI(), body: body})
		mu.Unlock()
		if handler != nil {
			handler(w, r)
		}
	}))
	t.Cleanup(server.Close)

	api := NewAPI(newTestExecutor(Options{}), server.URL)
	return api, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), calls...)
	}
}

// TestBulkDeleteDropsOldMessages tests the client side age filter
func TestBulkDeleteDropsOldMessages(t *testing.T) {
	t.Parallel()

	api, calls := newRecordingAPI(t, nil)
	now := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	api.now = func() time.Time { return now }

	old := models.SynthesizeID(now.Add(-15 * 24 * time.Hour))
	fresh1 := models.SynthesizeID(now.Add(-time.Hour))
	fresh2 := models.SynthesizeID(now.Add(-13 * 24 * time.Hour))

	deleted, err := api.BulkDeleteMessages(context.Background(), 10, []models.ID{old, fresh1, fresh2})
	if err != nil {
		t.Fatalf("BulkDeleteMessages: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != fresh1 || deleted[1] != fresh2 {
		t.Errorf("deleted = %v, want [%d %d]", deleted, fresh1, fresh2)
	}

	got := calls()
	if len(got) != 1 {
		t.Fatalf("requests = %d, want 1", len(got))
	}
	if got[0].method != http.MethodPost || got[0].path != "/channels/10/messages/bulk-delete" {
		t.Errorf("request = %s %s", got[0].method, got[0].path)
	}

	var body struct {
		Messages []models.ID `json:"messages"`
	}
	if err := json.Unmarshal(got[0].body, &body); err != nil {
		t.Fatalf("decode body %s: %v", got[0].body, err)
	}
	if len(body.Messages) != 2 || body.Messages[0] != fresh1 || body.Messages[1] != fresh2 {
		t.Errorf("messages = %v, want [%d %d]", body.Messages, fresh1, fresh2)
	}
}

// TestBulkDeleteEdgeCases tests empty and single message batches
func TestBulkDeleteEdgeCases(t *testing.T) {
	t.Parallel()

	api, calls := newRecordingAPI(t, nil)
	now := time.Now()
	api.now = func() time.Time { return now }

	old := models.SynthesizeID(now.Add(-30 * 24 * time.Hour))
	deleted, err := api.BulkDeleteMessages(context.Background(), 10, []models.ID{old})
	if err != nil || len(deleted) != 0 {
		t.Fatalf("BulkDeleteMessages(old) = %v, %v", deleted, err)
	}
	if n := len(calls()); n != 0 {
		t.Fatalf("requests = %d, want none", n)
	}

	fresh := models.SynthesizeID(now.Add(-time.Minute))
	if _, err := api.BulkDeleteMessages(context.Background(), 10, []models.ID{old, fresh}); err != nil {
		t.Fatalf("BulkDeleteMessages(single): %v", err)
	}
	got := calls()
	if len(got) != 1 || got[0].method != http.MethodDelete {
		t.Fatalf("single fresh id should use a plain delete, got %+v", got)
	}
	if !strings.HasSuffix(got[0].path, "/messages/"+fresh.String()) {
		t.Errorf("path = %s", got[0].path)
	}
}

// TestGatewayURL tests the gateway query suffix
func TestGatewayURL(t *testing.T) {
	t.Parallel()

	api, _ := newRecordingAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"url": "wss://gateway.example"}`))
	})

	got, err := api.Gateway(context.Background())
	if err != nil {
		t.Fatalf("Gateway: %v", err)
	}
	if got != "wss://gateway.example?encoding=json&v=6" {
		t.Errorf("Gateway() = %q", got)
	}
}

// TestSendMessageTooLong tests the client side length check
func TestSendMessageTooLong(t *testing.T) {
	t.Parallel()

	api, calls := newRecordingAPI(t, nil)
	_, err := api.SendMessage(context.Background(), 1, MessageSend{Content: strings.Repeat("a", models.CharacterLimit+1)})
	if !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("err = %v, want ErrMessageTooLong", err)
	}
	if len(calls()) != 0 {
		t.Error("request should not be sent")
	}
}
