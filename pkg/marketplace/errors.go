package marketplace

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("marketplace: not found")
	ErrRateLimited = errors.New("marketplace: rate limit exceeded")
	ErrTimeout     = errors.New("marketplace: request timeout")
)

// APIError is any other non-2xx answer.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace: api error %d: %s", e.Status, e.Body)
}
