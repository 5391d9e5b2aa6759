package upstream

import (
	"encoding/json"
	"fmt"
)

// FrameKind is the wire discriminator carried in every server-pushed
// message's "T" field.
type FrameKind string

const (
	KindTrade   FrameKind = "t"
	KindQuote   FrameKind = "q"
	KindBar     FrameKind = "b"
	KindSuccess FrameKind = "success"
	KindError   FrameKind = "error"
)

// Frame is a decoded server message. Exactly one of Trade/Quote/Bar/
// Success/Error is meaningful, selected by Kind — a flattened union
// rather than a Go interface, since every variant is consumed the same
// way (switch on Kind) and none needs independent method sets.
//
// shutdown is a package-private marker distinct from the zero Kind: a
// malformed or unrecognized wire element also decodes to Kind == "" (see
// DecodeFrames' default case), so the zero value of Kind can't safely
// double as a control signal. Only ShutdownSentinel sets it.
type Frame struct {
	Kind    FrameKind
	Trade   TradeMsg
	Quote   QuoteMsg
	Bar     BarMsg
	Success SuccessMsg
	Error   ErrorMsg

	shutdown bool
}

// ShutdownSentinel returns a Frame that IsShutdownSentinel reports true
// for, used by internal/core to unblock its worker loop on shutdown
// without risking collision with a real (if malformed) upstream frame.
func ShutdownSentinel() Frame {
	return Frame{shutdown: true}
}

// IsShutdownSentinel reports whether f is the shutdown marker rather
// than a decoded wire frame.
func (f Frame) IsShutdownSentinel() bool {
	return f.shutdown
}

// TradeMsg mirrors the provider's "t" wire fields.
type TradeMsg struct {
	Symbol     string   `json:"S"`
	ID         int64    `json:"i"`
	Exchange   string   `json:"x"`
	Price      float64  `json:"p"`
	Size       float64  `json:"s"`
	Conditions []string `json:"c"`
	Timestamp  string   `json:"t"`
	Tape       string   `json:"z"`
}

// QuoteMsg mirrors the provider's "q" wire fields.
type QuoteMsg struct {
	Symbol      string   `json:"S"`
	BidExchange string   `json:"bx"`
	BidPrice    float64  `json:"bp"`
	BidSize     float64  `json:"bs"`
	AskExchange string   `json:"ax"`
	AskPrice    float64  `json:"ap"`
	AskSize     float64  `json:"as"`
	Conditions  []string `json:"c"`
	Timestamp   string   `json:"t"`
	Tape        string   `json:"z"`
}

// BarMsg mirrors the provider's "b" wire fields.
type BarMsg struct {
	Symbol     string  `json:"S"`
	Open       float64 `json:"o"`
	High       float64 `json:"h"`
	Low        float64 `json:"l"`
	Close      float64 `json:"c"`
	Volume     float64 `json:"v"`
	Timestamp  string  `json:"t"`
	TradeCount int64   `json:"n"`
	VWAP       float64 `json:"vw"`
}

// SuccessMsg mirrors the provider's "success" wire fields — used for both
// the welcome ("connected") and auth-result ("authenticated") frames.
type SuccessMsg struct {
	Msg string `json:"msg"`
}

// ErrorMsg mirrors the provider's "error" wire fields.
type ErrorMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type envelope struct {
	T string `json:"T"`
}

// DecodeFrames parses one WebSocket text message — which the provider
// always shapes as a JSON array — into its constituent Frames, decoded
// element-wise.
func DecodeFrames(raw []byte) ([]Frame, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("upstream: decode frame array: %w", err)
	}

	frames := make([]Frame, 0, len(elements))
	for i, elem := range elements {
		var env envelope
		if err := json.Unmarshal(elem, &env); err != nil {
			return nil, fmt.Errorf("upstream: decode frame[%d] envelope: %w", i, err)
		}

		f := Frame{Kind: FrameKind(env.T)}
		var err error
		switch f.Kind {
		case KindTrade:
			err = json.Unmarshal(elem, &f.Trade)
		case KindQuote:
			err = json.Unmarshal(elem, &f.Quote)
		case KindBar:
			err = json.Unmarshal(elem, &f.Bar)
		case KindSuccess:
			err = json.Unmarshal(elem, &f.Success)
		case KindError:
			err = json.Unmarshal(elem, &f.Error)
		default:
			// Unknown discriminator: keep Kind for the caller to log and
			// skip, rather than failing the whole batch.
			frames = append(frames, f)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("upstream: decode frame[%d] %s: %w", i, f.Kind, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}
