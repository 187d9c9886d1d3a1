package llm

import (
	"errors"
	"fmt"
)

// ErrTimeout is the cause of an UpstreamError raised by the client's own deadline.
var ErrTimeout = errors.New("upstream request timed out")

// UpstreamError reports a failure talking to the model endpoint.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.StatusCode)
	case e.Body != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": upstream error"
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
