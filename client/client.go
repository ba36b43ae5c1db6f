package main

import (
	"fmt"
	"time"

	"github.com/linluma/datafeed/client/subscriber"
)

// barPrinter remembers the open time of the last bar per symbol to tell new bars from updates
type barPrinter struct {
	lastOpen map[string]int64
}

func newBarPrinter() *barPrinter {
	return &barPrinter{lastOpen: make(map[string]int64)}
}

// DisplayBar formats and displays a bar update
func (p *barPrinter) DisplayBar(u subscriber.Update) {
	openTime := time.UnixMilli(u.Bar.Time).UTC()

	ohlcv := fmt.Sprintf("O:%.2f H:%.2f L:%.2f C:%.2f V:%.4f",
		u.Bar.Open, u.Bar.High, u.Bar.Low, u.Bar.Close, u.Bar.Volume)

	// 🟢 a new bar opened, 🟡 the current bar changed
	emoji := "🟡"
	if last, ok := p.lastOpen[u.Symbol]; !ok || last != u.Bar.Time {
		emoji = "🟢"
	}
	p.lastOpen[u.Symbol] = u.Bar.Time

	fmt.Printf("%s %s | %s | %s\n", emoji, u.Symbol, openTime.Format("2006-01-02 15:04:05"), ohlcv)
}
