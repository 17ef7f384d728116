package model

import "time"

// LTPTick is the smallest decoded frame: token identity plus the last traded
// price. Prices are divisor-scaled floats (see ExchangeCode.PriceDivisor).
type LTPTick struct {
	Exchange  ExchangeCode `json:"exchange_type"`
	Token     string       `json:"token"`
	Sequence  uint64       `json:"sequence_number"`
	TickTS    time.Time    `json:"tick_ts"` // exchange feed time, UTC
	LastPrice float64      `json:"last_price"`

	// Partial is set when one or more fields failed to extract; fields that
	// did decode are still valid.
	Partial bool     `json:"partial,omitempty"`
	Errs    []string `json:"-"`
}

// QuoteTick extends LTPTick with traded-volume and OHLC fields (mode 2).
type QuoteTick struct {
	LTPTick

	LastQty      int64   `json:"last_qty"`
	AvgPrice     float64 `json:"avg_price"`
	Volume       int64   `json:"volume"`
	TotalBuyQty  float64 `json:"total_buy_qty"`
	TotalSellQty float64 `json:"total_sell_qty"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
}

// DepthLevel is one price level of the best-five order book.
type DepthLevel struct {
	Quantity int64   `json:"qty"`
	Price    float64 `json:"price"`
	Orders   int     `json:"orders"`
}

// SnapQuoteTick extends QuoteTick with open interest, the best-five book and
// circuit/52-week bands (mode 3).
type SnapQuoteTick struct {
	QuoteTick

	LastTradedTS time.Time    `json:"last_traded_ts"`
	OpenInterest int64        `json:"open_interest"`
	OIChangePct  float64      `json:"oi_change_pct"`
	BestBuy      []DepthLevel `json:"best_buy"`  // price descending, at most 5
	BestSell     []DepthLevel `json:"best_sell"` // price ascending, at most 5
	UpperCircuit float64      `json:"upper_circuit"`
	LowerCircuit float64      `json:"lower_circuit"`
	High52W      float64      `json:"high_52w"`
	Low52W       float64      `json:"low_52w"`
}

// PriceSnapshot is the per-symbol latest-price record overwritten on every
// tick. Quote and depth sections are populated when the source tick carried
// them.
type PriceSnapshot struct {
	Symbol    string       `json:"symbol"`
	Token     string       `json:"token"`
	Exchange  string       `json:"exchange"`
	LastPrice float64      `json:"last_price"`
	Open      float64      `json:"open,omitempty"`
	High      float64      `json:"high,omitempty"`
	Low       float64      `json:"low,omitempty"`
	Close     float64      `json:"close,omitempty"`
	Volume    int64        `json:"volume,omitempty"`
	TotalBuy  float64      `json:"total_buy_qty,omitempty"`
	TotalSell float64      `json:"total_sell_qty,omitempty"`
	BestBuy   []DepthLevel `json:"best_buy,omitempty"`
	BestSell  []DepthLevel `json:"best_sell,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DepthSnapshot is the per-symbol order-book record written for snap-quote
// ticks alongside the price snapshot.
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Token     string       `json:"token"`
	BestBuy   []DepthLevel `json:"buy"`
	BestSell  []DepthLevel `json:"sell"`
	UpdatedAt time.Time    `json:"updated_at"`
}
