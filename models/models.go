package models

import (
	"fmt"
	"strings"
	"time"
)

type TradingType string

const (
	Long  TradingType = "Long"
	Short TradingType = "Short"
)

type MarketDirection string

const (
	Bull MarketDirection = "Bull"
	Bear MarketDirection = "Bear"
)

// NotificationType is the kind of MarketRaker notification carried by a webhook envelope.
type NotificationType int

const (
	Indicator NotificationType = iota + 1
	MarketDirectionUpdate
)

func ParseNotificationType(s string) (NotificationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "indicator":
		return Indicator, nil
	case "market_direction":
		return MarketDirectionUpdate, nil
	default:
		return 0, fmt.Errorf("unknown notification type %q", s)
	}
}

func (n NotificationType) String() string {
	switch n {
	case Indicator:
		return "indicator"
	case MarketDirectionUpdate:
		return "market_direction"
	default:
		return "unknown"
	}
}

// Signal is a MarketRaker indicator.
type Signal struct {
	TradingPair         string          `json:"trading_pair"`
	TradingType         TradingType     `json:"trading_type"`
	MarketDirection     MarketDirection `json:"market_direction"`
	PercentageChange    float64         `json:"percentage_change"`
	PercentageChange24h float64         `json:"percentage_change_24h"`
	Leverage            int             `json:"leverage"`
	BuyPrice            float64         `json:"buy_price"`
	Stoploss            *float64        `json:"stoploss"`
	Risk                *int            `json:"risk,omitempty"`
	Variant24h          *SignalVariant  `json:"variant_24h,omitempty"`
}

// SignalVariant is the optional 24h forecast set sent alongside an indicator.
type SignalVariant struct {
	TradingType     TradingType     `json:"trading_type_24h"`
	MarketDirection MarketDirection `json:"market_direction_24h"`
	Leverage        int             `json:"leverage_24h"`
	BuyPrice        float64         `json:"buy_price_24h"`
	Stoploss        *float64        `json:"stoploss_24h"`
}

func (s Signal) Validate() error {
	if strings.TrimSpace(s.TradingPair) == "" {
		return fmt.Errorf("trading_pair is empty")
	}
	switch s.TradingType {
	case Long, Short:
	default:
		return fmt.Errorf("unknown trading_type %q", s.TradingType)
	}
	switch s.MarketDirection {
	case Bull, Bear:
	default:
		return fmt.Errorf("unknown market_direction %q", s.MarketDirection)
	}
	if s.Leverage < 1 || s.Leverage > 5 {
		return fmt.Errorf("leverage %d out of range [1,5]", s.Leverage)
	}
	return nil
}

type VerifiedSignal struct {
	Type           NotificationType
	Signal         Signal
	SignatureValid bool
	// Digest identifies the delivery for duplicate suppression.
	Digest     string
	ReceivedAt time.Time
}

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const Market OrderType = "MARKET"

type OrderIntent struct {
	Symbol        string
	Side          Side
	Quantity      float64
	Type          OrderType
	ClientOrderID string
}

// OrderRef identifies an existing order. OrderID takes precedence when both are set.
type OrderRef struct {
	OrderID       string
	ClientOrderID string
}

type OrderResult struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Status        string  `json:"status"`
	ExecutedQty   float64 `json:"executed_qty"`
	AvgPrice      float64 `json:"avg_price"`
}

type Stats24h struct {
	Symbol             string
	LastPrice          float64
	PriceChangePercent float64
}

type Tick struct {
	Symbol   string
	Price    float64
	Quantity float64
	Time     time.Time
}

type OpenPosition struct {
	ID         string    `json:"id"`
	Strategy   string    `json:"strategy"`
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Stoploss   *float64  `json:"stoploss,omitempty"`
	OrderID    string    `json:"order_id"`
	Quantity   float64   `json:"quantity"`
	OpenedAt   time.Time `json:"opened_at"`
}

type ExitKind int

const (
	TargetReached ExitKind = iota + 1
	StopLossHit
	Timeout
	ExitError
)

func (k ExitKind) String() string {
	switch k {
	case TargetReached:
		return "target_reached"
	case StopLossHit:
		return "stop_loss_hit"
	case Timeout:
		return "timeout"
	case ExitError:
		return "error"
	default:
		return "unknown"
	}
}

// ExitDecision is the terminal outcome of monitoring one position.
type ExitDecision struct {
	Kind       ExitKind
	Price      float64
	Reason     string
	CloseOrder *OrderResult
	At         time.Time
}
