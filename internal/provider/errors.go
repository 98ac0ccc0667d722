package provider

import "fmt"

// ExchangeError indicates a failed OAuth authorization-code exchange or
// token refresh. The connect flow treats it as fatal to the attempt.
type ExchangeError struct {
	Provider string
	Status   int
	Reason   string
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s oauth exchange failed: status %d: %s", e.Provider, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s oauth exchange failed: %s", e.Provider, e.Reason)
}

// RequestError indicates a failed provider API call. Callers treat it as
// retryable on the next scheduled attempt, never inline.
type RequestError struct {
	Provider string
	Status   int
	Body     string
}

func (e *RequestError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s request failed: status %d: %s", e.Provider, e.Status, body)
}
