package model

import "time"

// IntentType categorizes a notification intent.
type IntentType string

const (
	IntentRateChange    IntentType = "rate_change"
	IntentProductNew    IntentType = "product_new"
	IntentProductRemove IntentType = "product_removed"
)

// NotificationIntent is the decision that a user should be notified.
// Delivery mechanics are external; this core only emits the intent.
type NotificationIntent struct {
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Type      IntentType `json:"type"`
	ProductID int64      `json:"product_id"`
	CountryID *int64     `json:"country_id,omitempty"`
	UserID    int64      `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
}

// Watcher is a user's watchlist entry for a product.
type Watcher struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ProductID int64     `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
}
