package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/auth"
)

type staticCredentials struct {
	token     string
	refreshed string
	refreshes atomic.Int32
	err       error
}

func (s *staticCredentials) Get(context.Context) (auth.Credential, error) {
	if s.err != nil {
		return auth.Credential{}, s.err
	}
	return auth.Credential{Token: s.token, IssuedAt: time.Now()}, nil
}

func (s *staticCredentials) Refresh(context.Context) (auth.Credential, error) {
	s.refreshes.Add(1)
	if s.err != nil {
		return auth.Credential{}, s.err
	}
	return auth.Credential{Token: s.refreshed, IssuedAt: time.Now()}, nil
}

func writeFeed(t *testing.T, w http.ResponseWriter, notifications []Notification) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ListResponse{Notifications: notifications, Page: 1, Size: len(notifications), Total: int64(len(notifications))}); err != nil {
		t.Errorf("encode feed: %v", err)
	}
}

func newTestClient(t *testing.T, server *httptest.Server, credentials CredentialSource) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: server.URL, Credentials: credentials})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client
}

func TestClientListSendsBearerAndQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notifications" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer access-1" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		query := r.URL.Query()
		if query.Get("page") != "2" || query.Get("size") != "10" || query.Get("category") != "SHOWTIME" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		writeFeed(t, w, []Notification{{ID: "n2", Type: CategoryShowtime}, {ID: "n1", Type: CategoryShowtime}})
	}))
	defer server.Close()

	client := newTestClient(t, server, &staticCredentials{token: "access-1"})
	items, err := client.List(context.Background(), Page{Number: 2, Size: 10}, CategoryShowtime)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(items) != 2 || items[0].ID != "n2" {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestClientRetriesOnceWithFreshCredential(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	credentials := &staticCredentials{token: "stale", refreshed: "fresh"}
	client := newTestClient(t, server, credentials)
	if err := client.MarkAllSeen(context.Background()); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if calls.Load() != 2 || credentials.refreshes.Load() != 1 {
		t.Fatalf("expected one retry, got %d calls and %d refreshes", calls.Load(), credentials.refreshes.Load())
	}
}

func TestClientReportsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server, &staticCredentials{token: "access"})
	if err := client.MarkAllSeen(context.Background()); !errors.Is(err, ErrAPIRequestFailed) {
		t.Fatalf("expected api failure, got %v", err)
	}
	if _, err := client.List(context.Background(), Page{}, ""); !errors.Is(err, ErrAPIRequestFailed) {
		t.Fatalf("expected api failure, got %v", err)
	}

	unavailable := newTestClient(t, server, &staticCredentials{err: auth.ErrAuthUnavailable})
	if _, err := unavailable.List(context.Background(), Page{}, ""); !errors.Is(err, ErrAPIRequestFailed) {
		t.Fatalf("expected api failure for missing credential, got %v", err)
	}
}

func TestClientMarkCategoryReadReturnsAuthoritativeList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/notifications/mark-read/PROMOTION" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("page") != "1" || r.URL.Query().Get("size") != "50" {
			t.Errorf("expected the page window to be forwarded, got %q", r.URL.RawQuery)
		}
		writeFeed(t, w, []Notification{{ID: "n1", Type: CategoryPromotion, ReadBy: []string{"user-1"}}})
	}))
	defer server.Close()

	client := newTestClient(t, server, &staticCredentials{token: "access"})
	items, err := client.MarkCategoryRead(context.Background(), Page{Number: 1, Size: 50}, CategoryPromotion)
	if err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if len(items) != 1 || !items[0].ReadByUser("user-1") {
		t.Fatalf("unexpected items %+v", items)
	}
	if _, err := client.MarkCategoryRead(context.Background(), Page{}, ""); !errors.Is(err, ErrAPIRequestFailed) {
		t.Fatalf("expected error for blank category, got %v", err)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(ClientConfig{Credentials: &staticCredentials{}}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}
