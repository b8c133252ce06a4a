package subscription

import (
	"errors"
	"fmt"
)

// ErrNoNodes means the payload decoded fine but the filter left nothing
// usable. The previous pool must stay in place.
var ErrNoNodes = errors.New("subscription yielded no nodes after filtering")

// FetchError covers network, timeout and HTTP status failures while
// retrieving the subscription.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch subscription %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError means neither decode stage (plain YAML, base64-wrapped
// YAML) produced a node list.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode subscription payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
