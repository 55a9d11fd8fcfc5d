package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/auth"
	"github.com/MarcoPoloResearchLab/marquee/internal/bus"
	"github.com/MarcoPoloResearchLab/marquee/internal/notifications"
	"github.com/MarcoPoloResearchLab/marquee/internal/notifier"
)

type countingExchange struct {
	inner  auth.IdentityProvider
	issued atomic.Int32
}

func (c *countingExchange) IssueToken(ctx context.Context) (auth.Credential, error) {
	c.issued.Add(1)
	return c.inner.IssueToken(ctx)
}

func TestTabSessionKeepsFullFeedAfterMarkingCategoryRead(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := sessionToken(t, "ops", "admin")
	for index := 0; index < 30; index++ {
		payload := fmt.Sprintf(`{"type":"BOOKING","title":"Booking %d","recipients":["user-1"]}`, index)
		if response := api.createNotification(t, admin, payload); response.StatusCode != http.StatusCreated {
			t.Fatalf("expected created, got %d", response.StatusCode)
		}
	}
	if response := api.createNotification(t, admin, `{"type":"PROMOTION","title":"Half price Tuesday","recipients":["user-1"]}`); response.StatusCode != http.StatusCreated {
		t.Fatalf("expected created, got %d", response.StatusCode)
	}

	identity, err := auth.NewHTTPIdentityProvider(auth.HTTPIdentityProviderConfig{
		BaseURL:      api.server.URL,
		SessionToken: sessionToken(t, "user-1"),
	})
	if err != nil {
		t.Fatalf("failed to construct identity provider: %v", err)
	}
	exchange := &countingExchange{inner: identity}
	credential, err := exchange.IssueToken(context.Background())
	if err != nil {
		t.Fatalf("token exchange failed: %v", err)
	}
	userID, err := auth.CredentialSubject(credential)
	if err != nil {
		t.Fatalf("failed to read subject: %v", err)
	}

	hub := bus.NewHub(bus.HubConfig{})
	endpoint := hub.Join("tab-a")
	session, err := notifier.Create(context.Background(), notifier.Config{
		UserID:          userID,
		TabID:           "tab-a",
		Bus:             endpoint,
		Identity:        exchange,
		Credential:      credential,
		APIBaseURL:      api.server.URL,
		ElectionTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	t.Cleanup(func() {
		session.Destroy()
		_ = endpoint.Close()
	})

	if got := len(session.Store().Notifications()); got != 31 {
		t.Fatalf("expected 31 hydrated notifications, got %d", got)
	}
	if err := session.RequestMarkCategoryRead(context.Background(), notifications.CategoryPromotion); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}

	items := session.Store().Notifications()
	if len(items) != 31 {
		t.Fatalf("expected the feed to keep 31 notifications, got %d", len(items))
	}
	for _, item := range items {
		if item.Type == notifications.CategoryPromotion && !item.ReadByUser(userID) {
			t.Fatalf("expected promotion to be read")
		}
	}
	if exchange.issued.Load() != 1 {
		t.Fatalf("expected the startup credential to be reused, got %d token exchanges", exchange.issued.Load())
	}
}
