package exchanges

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrRejectedOrder       = errors.New("order rejected")
	ErrAuth                = errors.New("authentication failed")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrStream              = errors.New("stream error")
)

// APIError is a failed exchange call. Kind is one of the sentinel errors above.
type APIError struct {
	Kind   error
	Op     string
	Status int
	Code   int
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %v (status %d, code %d): %s", e.Op, e.Kind, e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.Status, e.Body)
}

func (e *APIError) Unwrap() error { return e.Kind }

// ResolveOrderRef returns the identifier to use for ref. OrderID wins when both
// are set; neither is ErrInvalidArgument.
func ResolveOrderRef(ref models.OrderRef) (orderID, clientOrderID string, err error) {
	switch {
	case ref.OrderID != "":
		return ref.OrderID, "", nil
	case ref.ClientOrderID != "":
		return "", ref.ClientOrderID, nil
	default:
		return "", "", errors.Wrap(ErrInvalidArgument, "orderId or clientOrderId is required")
	}
}
