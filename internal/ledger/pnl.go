package ledger

import (
	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// PnL is an append-only realized profit record.
type PnL struct {
	total   decimal.Decimal
	records []core.TradeRecord
}

func NewPnL() *PnL {
	return &PnL{total: decimal.Zero}
}

func (p *PnL) Append(rec core.TradeRecord) decimal.Decimal {
	p.records = append(p.records, rec)
	p.total = p.total.Add(rec.Profit)
	return p.total
}

func (p *PnL) Total() decimal.Decimal {
	return p.total
}

// Records returns a copy of the trade records in append order.
func (p *PnL) Records() []core.TradeRecord {
	out := make([]core.TradeRecord, len(p.records))
	copy(out, p.records)
	return out
}

func (p *PnL) Len() int {
	return len(p.records)
}
