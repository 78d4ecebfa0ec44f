package rest

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/MarketRaker/trading-bot-example-code/exchanges"
)

// FormatQuantity renders q with at most precision decimals, rounding down so an
// order never exceeds the computed size.
func FormatQuantity(q float64, precision int32) string {
	return decimal.NewFromFloat(q).Truncate(precision).String()
}

// ParseNumber parses a required decimal string field from an exchange response.
func ParseNumber(field, s string) (float64, error) {
	if s == "" {
		return 0, errors.Wrapf(exchanges.ErrMalformedResponse, "%s is missing", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(exchanges.ErrMalformedResponse, "%s %q", field, s)
	}
	return d.InexactFloat64(), nil
}

// ParseOptionalNumber is ParseNumber for fields an exchange leaves empty
// until they apply, such as the average price of an unfilled order.
func ParseOptionalNumber(field, s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return ParseNumber(field, s)
}

// ParsePrice parses a required price, which must be positive.
func ParsePrice(field, s string) (float64, error) {
	v, err := ParseNumber(field, s)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, errors.Wrapf(exchanges.ErrMalformedResponse, "%s %q is not positive", field, s)
	}
	return v, nil
}
