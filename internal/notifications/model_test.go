package notifications

import (
	"encoding/json"
	"testing"
)

func TestParseCategoryFallsBackToUnknown(t *testing.T) {
	cases := map[string]Category{
		"BOOKING":    CategoryBooking,
		" showtime ": CategoryShowtime,
		"Promotion":  CategoryPromotion,
		"system":     CategorySystem,
		"loyalty":    CategoryUnknown,
		"":           CategoryUnknown,
	}
	for input, expected := range cases {
		if actual := ParseCategory(input); actual != expected {
			t.Fatalf("ParseCategory(%q) = %s, want %s", input, actual, expected)
		}
	}
}

func TestCategoryIcons(t *testing.T) {
	seen := make(map[string]Category)
	for _, category := range Categories() {
		icon := category.Icon()
		if icon == CategoryUnknown.Icon() {
			t.Fatalf("expected %s to have a dedicated icon", category)
		}
		if previous, exists := seen[icon]; exists {
			t.Fatalf("icon %s shared by %s and %s", icon, previous, category)
		}
		seen[icon] = category
	}
	if Category("anything").Icon() != CategoryUnknown.Icon() {
		t.Fatalf("expected fallback icon for unrecognised category")
	}
}

func TestNotificationDecodesUnknownType(t *testing.T) {
	payload := []byte(`{"id":"n1","type":"loyalty","title":"t","message":"m","createdAt":"2024-01-01T00:00:00Z","readBy":["u1"],"isSeen":false}`)
	var notification Notification
	if err := json.Unmarshal(payload, &notification); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if notification.Type != CategoryUnknown {
		t.Fatalf("expected unknown category, got %s", notification.Type)
	}
	if !notification.ReadByUser("u1") || notification.ReadByUser("u2") {
		t.Fatalf("unexpected readBy evaluation")
	}
}
