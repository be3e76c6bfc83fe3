package credits

import "errors"

// Balance represents a user's non-expiring addon balance for one quota name
type Balance struct {
	UserID  int64  `json:"user_id"`
	Quota   string `json:"quota"`
	Balance int    `json:"balance"`
}

// ErrInvalidAmount is returned when a grant amount is not positive
var ErrInvalidAmount = errors.New("grant amount must be positive")
