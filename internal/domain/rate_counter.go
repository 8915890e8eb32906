package domain

import "time"

type RateCategory string

const (
	RateCategoryAuth        RateCategory = "auth"
	RateCategoryAPI         RateCategory = "api"
	RateCategoryVoice       RateCategory = "voice"
	RateCategoryUpload      RateCategory = "upload"
	RateCategoryNegotiation RateCategory = "negotiation"
	RateCategoryPayment     RateCategory = "payment"
	RateCategoryTranslation RateCategory = "translation"
)

// RateCategories lists every category the rest of the system reports against.
var RateCategories = []RateCategory{
	RateCategoryAuth,
	RateCategoryAPI,
	RateCategoryVoice,
	RateCategoryUpload,
	RateCategoryNegotiation,
	RateCategoryPayment,
	RateCategoryTranslation,
}

func (c RateCategory) Valid() bool {
	for _, known := range RateCategories {
		if c == known {
			return true
		}
	}
	return false
}

// RateCounter is a fixed-window counter for one (category, actor) pair.
type RateCounter struct {
	Category    RateCategory
	ActorKey    string
	Count       int
	WindowStart time.Time
	Window      time.Duration
	Limit       int
}

// ResetAt is when the current window ends.
func (c RateCounter) ResetAt() time.Time {
	return c.WindowStart.Add(c.Window)
}

// Hit applies one request at now. A counter whose window has elapsed (or that
// was never started) restarts at 1. Denied hits leave Count at the limit.
func (c RateCounter) Hit(now time.Time, limit int, window time.Duration) (RateCounter, bool) {
	next := c
	next.Limit = limit
	next.Window = window
	if next.Count == 0 || !now.Before(c.WindowStart.Add(window)) {
		next.Count = 0
		next.WindowStart = now
	}
	if next.Count >= limit {
		return next, false
	}
	next.Count++
	return next, true
}
