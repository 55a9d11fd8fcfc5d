// Package notifications holds the per-tab notification state and the REST client that feeds it.
package notifications

import (
	"encoding/json"
	"strings"
	"time"
)

// Category is the closed set of notification kinds.
type Category string

const (
	CategoryBooking   Category = "BOOKING"
	CategoryShowtime  Category = "SHOWTIME"
	CategoryPromotion Category = "PROMOTION"
	CategorySystem    Category = "SYSTEM"
	CategoryUnknown   Category = "UNKNOWN"
)

// Categories lists every known category except CategoryUnknown.
func Categories() []Category {
	return []Category{CategoryBooking, CategoryShowtime, CategoryPromotion, CategorySystem}
}

// ParseCategory normalizes raw input; anything unrecognised becomes CategoryUnknown.
func ParseCategory(raw string) Category {
	switch Category(strings.ToUpper(strings.TrimSpace(raw))) {
	case CategoryBooking:
		return CategoryBooking
	case CategoryShowtime:
		return CategoryShowtime
	case CategoryPromotion:
		return CategoryPromotion
	case CategorySystem:
		return CategorySystem
	default:
		return CategoryUnknown
	}
}

// Icon names the glyph a client renders for the category.
func (c Category) Icon() string {
	switch c {
	case CategoryBooking:
		return "ticket"
	case CategoryShowtime:
		return "film"
	case CategoryPromotion:
		return "tag"
	case CategorySystem:
		return "bell"
	default:
		return "info"
	}
}

func (c Category) String() string {
	return string(c)
}

// UnmarshalJSON accepts any string and folds unknown values into CategoryUnknown.
func (c *Category) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ParseCategory(raw)
	return nil
}

// Notification is one item in a user's feed.
type Notification struct {
	ID        string    `json:"id"`
	Type      Category  `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ReadBy    []string  `json:"readBy"`
	IsSeen    bool      `json:"isSeen"`
}

// ReadByUser reports whether userID appears in ReadBy.
func (n Notification) ReadByUser(userID string) bool {
	for _, reader := range n.ReadBy {
		if reader == userID {
			return true
		}
	}
	return false
}

func (n Notification) clone() Notification {
	copied := n
	if n.ReadBy != nil {
		copied.ReadBy = append([]string(nil), n.ReadBy...)
	}
	return copied
}
