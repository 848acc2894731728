// Package benchmarks reads the stored GM position benchmarks of a prime
// account for a set of markets.
package benchmarks

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/chain/evm"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/ethereum/go-ethereum/common"
)

type Reader interface {
	GmxPositionBenchmark(ctx context.Context, reader, market common.Address) (evm.GmxPositionBenchmark, error)
}

type Entry struct {
	Market    model.Resource
	Benchmark evm.GmxPositionBenchmark
	Err       error
}

// Query reads every market in order. A failed market keeps its error in the
// entry and does not stop the query.
func Query(ctx context.Context, r Reader, reader common.Address, markets []model.Resource, logger *slog.Logger) ([]Entry, error) {
	log := logger.With("component", "benchmarks", "reader", reader.Hex())
	entries := make([]Entry, 0, len(markets))
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		b, err := r.GmxPositionBenchmark(ctx, reader, common.HexToAddress(m.Address))
		if err != nil {
			log.Error("benchmark query failed", "market", m.String(), "address", m.Address, "error", err)
		} else if !b.Exists {
			log.Warn("no benchmark stored for market", "market", m.String())
		}
		entries = append(entries, Entry{Market: m, Benchmark: b, Err: err})
	}
	return entries, nil
}

// Render prints USD value and long amounts with 18 decimals and short
// amounts with 6.
func Render(entries []Entry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("MARKET", "VALUE USD", "LONG AMOUNT", "SHORT AMOUNT", "TIMESTAMP", "LONG TOKEN", "SHORT TOKEN", "EXISTS")
	for _, e := range entries {
		if e.Err != nil {
			t.Row(e.Market.String(), "error: "+e.Err.Error(), "", "", "", "", "", "")
			continue
		}
		b := e.Benchmark
		exists := "no"
		if b.Exists {
			exists = "yes"
		}
		t.Row(
			e.Market.String(),
			"$"+FormatUnits(b.BenchmarkValueUsd, 18),
			FormatUnits(b.UnderlyingLongTokenAmount, 18),
			FormatUnits(b.UnderlyingShortTokenAmount, 6),
			formatTimestamp(b.BenchmarkTimeStamp),
			shortAddress(b.LongTokenAddress),
			shortAddress(b.ShortTokenAddress),
			exists,
		)
	}
	return t.String()
}

// FormatUnits renders a fixed-point value with between two and six
// fraction digits, truncating the rest.
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0.00"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(new(big.Int).Abs(v), scale, new(big.Int))

	digits := frac.String()
	if len(digits) < decimals {
		digits = strings.Repeat("0", decimals-len(digits)) + digits
	}
	if len(digits) > 6 {
		digits = digits[:6]
	}
	digits = strings.TrimRight(digits, "0")
	for len(digits) < 2 {
		digits += "0"
	}
	out := groupThousands(whole.String()) + "." + digits
	if v.Sign() < 0 {
		out = "-" + out
	}
	return out
}

func groupThousands(s string) string {
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func formatTimestamp(ts *big.Int) string {
	if ts == nil || ts.Sign() == 0 {
		return "not set"
	}
	return time.Unix(ts.Int64(), 0).UTC().Format(time.RFC3339)
}

func shortAddress(a common.Address) string {
	if a == (common.Address{}) {
		return "zero address"
	}
	h := a.Hex()
	return h[:6] + "..." + h[len(h)-4:]
}
