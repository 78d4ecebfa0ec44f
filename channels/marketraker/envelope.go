package marketraker

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

var ErrMalformedEnvelope = errors.New("malformed notification envelope")

// Envelope is a webhook body: {"type": ..., "data": <json-string-or-object>}.
type Envelope struct {
	Type    models.NotificationType
	RawType string
	// Data is the JSON text of the notification payload.
	Data []byte
	// Candidates are the byte strings the provider may have signed, most likely first.
	Candidates [][]byte
}

func DecodeEnvelope(body []byte) (Envelope, error) {
	root, err := parseNode(body)
	if err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}
	if root.typ != jx.Object {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, "body is not an object")
	}
	typeNode, ok := root.get("type")
	if !ok || typeNode.typ != jx.String {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, "missing type")
	}
	dataNode, ok := root.get("data")
	if !ok {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, "missing data")
	}

	env := Envelope{RawType: typeNode.text}
	env.Type, err = models.ParseNotificationType(typeNode.text)
	if err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, err.Error())
	}

	var signed []byte
	switch dataNode.typ {
	case jx.String:
		env.Data = []byte(dataNode.text)
		signed = pyDumps(root)
	case jx.Object:
		inner := pyDumps(dataNode)
		env.Data = inner
		signed = pyDumps(node{typ: jx.Object, fields: []field{
			{key: "type", val: stringNode(typeNode.text)},
			{key: "data", val: stringNode(string(inner))},
		}})
	default:
		return Envelope{}, errors.Wrapf(ErrMalformedEnvelope, "data has type %s", dataNode.typ)
	}

	env.Candidates = append(env.Candidates, signed)
	if raw := bytes.TrimSpace(body); !bytes.Equal(raw, signed) {
		env.Candidates = append(env.Candidates, raw)
	}
	return env, nil
}

type signalWire struct {
	TradingPair         string   `json:"trading_pair"`
	TradingType         string   `json:"trading_type"`
	MarketDirection     string   `json:"market_direction"`
	PercentageChange    float64  `json:"percentage_change"`
	PercentageChange24h float64  `json:"percentage_change_24h"`
	Leverage            float64  `json:"leverage"`
	BuyPrice            float64  `json:"buy_price"`
	Stoploss            *float64 `json:"stoploss"`
	Risk                *float64 `json:"risk"`

	TradingType24h     *string  `json:"trading_type_24h"`
	MarketDirection24h *string  `json:"market_direction_24h"`
	Leverage24h        *float64 `json:"leverage_24h"`
	BuyPrice24h        *float64 `json:"buy_price_24h"`
	Stoploss24h        *float64 `json:"stoploss_24h"`
}

// ParseSignal decodes an indicator payload and validates it.
func ParseSignal(data []byte) (models.Signal, error) {
	var w signalWire
	if err := json.Unmarshal(data, &w); err != nil {
		return models.Signal{}, errors.Wrap(err, "decode indicator")
	}
	if w.Leverage != math.Trunc(w.Leverage) {
		return models.Signal{}, errors.Errorf("leverage %v is not an integer", w.Leverage)
	}

	sig := models.Signal{
		TradingPair:         w.TradingPair,
		TradingType:         models.TradingType(w.TradingType),
		MarketDirection:     models.MarketDirection(w.MarketDirection),
		PercentageChange:    w.PercentageChange,
		PercentageChange24h: w.PercentageChange24h,
		Leverage:            int(w.Leverage),
		BuyPrice:            w.BuyPrice,
		Stoploss:            w.Stoploss,
	}
	if w.Risk != nil {
		risk := int(*w.Risk)
		sig.Risk = &risk
	}
	if w.TradingType24h != nil || w.MarketDirection24h != nil || w.BuyPrice24h != nil {
		v := &models.SignalVariant{Stoploss: w.Stoploss24h}
		if w.TradingType24h != nil {
			v.TradingType = models.TradingType(*w.TradingType24h)
		}
		if w.MarketDirection24h != nil {
			v.MarketDirection = models.MarketDirection(*w.MarketDirection24h)
		}
		if w.Leverage24h != nil {
			v.Leverage = int(*w.Leverage24h)
		}
		if w.BuyPrice24h != nil {
			v.BuyPrice = *w.BuyPrice24h
		}
		sig.Variant24h = v
	}

	if err := sig.Validate(); err != nil {
		return models.Signal{}, errors.Wrap(err, "invalid indicator")
	}
	return sig, nil
}
