// Package decoder parses the vendor's binary stream frames into typed tick
// records. Decoding is a pure function of the frame bytes; no shared state
// is touched, so the Connection reader can call it inline.
//
// All multi-byte fields are little-endian. Offsets follow the vendor layout:
// byte 0 mode, byte 1 exchange code, bytes 2..26 token as null-terminated
// ASCII, then mode-specific fields.
package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"tickfeedv1/internal/model"
)

// Frame modes.
const (
	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
)

// Minimum frame lengths per mode.
const (
	ltpFrameLen  = 51
	quoteLen     = 123
	snapQuoteLen = 379

	ackFrameLen = 51
	ackMarker   = 0x37
)

// StatusResubscribe is the vendor ack status that asks the client to resend
// its full subscription set.
const StatusResubscribe = 307

// Kind classifies an inbound binary frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindLTP
	KindQuote
	KindSnapQuote
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindLTP:
		return "ltp"
	case KindQuote:
		return "quote"
	case KindSnapQuote:
		return "snap_quote"
	case KindAck:
		return "ack"
	}
	return "unknown"
}

// Ack is a decoded acknowledgement frame.
type Ack struct {
	MessageID string
	Status    uint16
}

// Result is the outcome of decoding one binary frame. Exactly one of the
// payload pointers matching Kind is non-nil.
type Result struct {
	Kind  Kind
	LTP   *model.LTPTick
	Quote *model.QuoteTick
	Snap  *model.SnapQuoteTick
	Ack   *Ack
}

// Classify inspects a frame without decoding it. Ack frames are fixed-size
// and flagged by the marker byte; anything else dispatches on the mode byte.
func Classify(frame []byte) Kind {
	if len(frame) == ackFrameLen && frame[2] == ackMarker {
		return KindAck
	}
	if len(frame) < 1 {
		return KindUnknown
	}
	switch frame[0] {
	case ModeLTP:
		return KindLTP
	case ModeQuote:
		return KindQuote
	case ModeSnapQuote:
		return KindSnapQuote
	}
	return KindUnknown
}

// Decode classifies and fully decodes a frame.
func Decode(frame []byte) (Result, error) {
	switch Classify(frame) {
	case KindAck:
		ack, err := DecodeAck(frame)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindAck, Ack: &ack}, nil
	case KindLTP:
		t, err := DecodeLTP(frame)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindLTP, LTP: &t}, nil
	case KindQuote:
		t, err := DecodeQuote(frame)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindQuote, Quote: &t}, nil
	case KindSnapQuote:
		t, err := DecodeSnapQuote(frame)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: KindSnapQuote, Snap: &t}, nil
	}
	return Result{}, fmt.Errorf("decoder: unknown frame (len=%d first=%#x)", len(frame), firstByte(frame))
}

func firstByte(b []byte) byte {
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// DecodeAck decodes a 51-byte acknowledgement frame: 4-byte ASCII message id
// at 3..6, u16 status at 38..39.
func DecodeAck(frame []byte) (Ack, error) {
	if len(frame) < ackFrameLen {
		return Ack{}, fmt.Errorf("decoder: ack frame too short: %d", len(frame))
	}
	return Ack{
		MessageID: string(frame[3:7]),
		Status:    binary.LittleEndian.Uint16(frame[38:40]),
	}, nil
}

// DecodeLTP decodes a mode-1 frame.
func DecodeLTP(frame []byte) (model.LTPTick, error) {
	if len(frame) < ltpFrameLen {
		return model.LTPTick{}, fmt.Errorf("decoder: ltp frame too short: %d", len(frame))
	}
	return decodeHeader(frame), nil
}

// DecodeQuote decodes a mode-2 frame. A frame long enough for the header but
// short of the quote section yields a partial tick.
func DecodeQuote(frame []byte) (model.QuoteTick, error) {
	if len(frame) < ltpFrameLen {
		return model.QuoteTick{}, fmt.Errorf("decoder: quote frame too short: %d", len(frame))
	}
	t := model.QuoteTick{LTPTick: decodeHeader(frame)}
	decodeQuoteFields(frame, &t)
	return t, nil
}

// DecodeSnapQuote decodes a mode-3 frame. Missing trailing sections mark the
// tick partial instead of failing the whole frame.
func DecodeSnapQuote(frame []byte) (model.SnapQuoteTick, error) {
	if len(frame) < ltpFrameLen {
		return model.SnapQuoteTick{}, fmt.Errorf("decoder: snap quote frame too short: %d", len(frame))
	}
	t := model.SnapQuoteTick{QuoteTick: model.QuoteTick{LTPTick: decodeHeader(frame)}}
	decodeQuoteFields(frame, &t.QuoteTick)
	decodeSnapFields(frame, &t)
	return t, nil
}

// decodeHeader extracts the fields common to every mode: exchange, token,
// sequence, exchange timestamp and last price.
func decodeHeader(frame []byte) model.LTPTick {
	ex := model.ExchangeCode(frame[1])
	div := ex.PriceDivisor()
	raw := int32(binary.LittleEndian.Uint32(frame[43:47]))
	return model.LTPTick{
		Exchange:  ex,
		Token:     tokenString(frame[2:27]),
		Sequence:  binary.LittleEndian.Uint64(frame[27:35]),
		TickTS:    epochMillis(int64(binary.LittleEndian.Uint64(frame[35:43]))),
		LastPrice: float64(raw) / div,
	}
}

func decodeQuoteFields(frame []byte, t *model.QuoteTick) {
	if len(frame) < quoteLen {
		t.Partial = true
		t.Errs = append(t.Errs, fmt.Sprintf("quote section truncated at %d bytes", len(frame)))
		return
	}
	div := t.Exchange.PriceDivisor()
	t.LastQty = int64(binary.LittleEndian.Uint64(frame[51:59]))
	t.AvgPrice = float64(binary.LittleEndian.Uint64(frame[59:67])) / div
	t.Volume = int64(binary.LittleEndian.Uint64(frame[67:75]))
	t.TotalBuyQty = math.Float64frombits(binary.LittleEndian.Uint64(frame[75:83]))
	t.TotalSellQty = math.Float64frombits(binary.LittleEndian.Uint64(frame[83:91]))
	t.Open = float64(binary.LittleEndian.Uint64(frame[91:99])) / div
	t.High = float64(binary.LittleEndian.Uint64(frame[99:107])) / div
	t.Low = float64(binary.LittleEndian.Uint64(frame[107:115])) / div
	t.Close = float64(binary.LittleEndian.Uint64(frame[115:123])) / div
}

func decodeSnapFields(frame []byte, t *model.SnapQuoteTick) {
	if len(frame) < snapQuoteLen {
		t.Partial = true
		t.Errs = append(t.Errs, fmt.Sprintf("snap section truncated at %d bytes", len(frame)))
		return
	}
	div := t.Exchange.PriceDivisor()
	t.LastTradedTS = time.Unix(int64(binary.LittleEndian.Uint64(frame[123:131])), 0).UTC()
	t.OpenInterest = int64(binary.LittleEndian.Uint64(frame[131:139]))
	t.OIChangePct = math.Float64frombits(binary.LittleEndian.Uint64(frame[139:147]))
	t.BestBuy, t.BestSell = decodeBestFive(frame[147:347])
	t.UpperCircuit = float64(binary.LittleEndian.Uint64(frame[347:355])) / div
	t.LowerCircuit = float64(binary.LittleEndian.Uint64(frame[355:363])) / div
	t.High52W = float64(binary.LittleEndian.Uint64(frame[363:371])) / div
	t.Low52W = float64(binary.LittleEndian.Uint64(frame[371:379])) / div
}

// decodeBestFive parses the ten 20-byte book entries. Side flag 1 is buy,
// 0 is sell; anything else is skipped, as are unused slots (zero price and
// zero quantity). Buy levels sort price-descending, sell levels
// price-ascending, each capped at five.
func decodeBestFive(b []byte) (buy, sell []model.DepthLevel) {
	for i := 0; i+20 <= len(b); i += 20 {
		flag := int16(binary.LittleEndian.Uint16(b[i : i+2]))
		lvl := model.DepthLevel{
			Quantity: int64(binary.LittleEndian.Uint64(b[i+2 : i+10])),
			Price:    float64(int64(binary.LittleEndian.Uint64(b[i+10:i+18]))) / 100,
			Orders:   int(int16(binary.LittleEndian.Uint16(b[i+18 : i+20]))),
		}
		if lvl.Price == 0 && lvl.Quantity == 0 {
			continue
		}
		switch flag {
		case 1:
			buy = append(buy, lvl)
		case 0:
			sell = append(sell, lvl)
		}
	}
	sort.SliceStable(buy, func(i, j int) bool { return buy[i].Price > buy[j].Price })
	sort.SliceStable(sell, func(i, j int) bool { return sell[i].Price < sell[j].Price })
	if len(buy) > 5 {
		buy = buy[:5]
	}
	if len(sell) > 5 {
		sell = sell[:5]
	}
	return buy, sell
}

func tokenString(b []byte) string {
	for i := range b {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func epochMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
