package alerts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FormatUSDf renders a USD amount with a K/M suffix.
func FormatUSDf(value float64) string {
	abs := value
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1_000_000:
		return fmt.Sprintf("$%.1fM", abs/1_000_000)
	case abs >= 1_000:
		return fmt.Sprintf("$%.0fK", abs/1_000)
	default:
		return fmt.Sprintf("$%.0f", abs)
	}
}

// FormatUSD is FormatUSDf over a decimal.
func FormatUSD(value decimal.Decimal) string {
	return FormatUSDf(value.InexactFloat64())
}

// FormatPrice renders a price with thousands grouping and two decimals.
func FormatPrice(value decimal.Decimal) string {
	cents := value.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	neg := ""
	if cents < 0 {
		neg = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%s.%02d", neg, groupThousands(cents/100), cents%100)
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}

// FormatSignedPct renders a signed percentage with two decimals.
func FormatSignedPct(value decimal.Decimal) string {
	f := value.InexactFloat64()
	if f >= 0 {
		return fmt.Sprintf("+%.2f%%", f)
	}
	return fmt.Sprintf("%.2f%%", f)
}

// FormatPct renders an unsigned percentage with one decimal.
func FormatPct(value float64) string {
	return fmt.Sprintf("%.1f%%", value)
}

// FormatDuration renders a duration in a compact human form.
func FormatDuration(d time.Duration) string {
	sec := int(d.Seconds())
	switch {
	case sec < 60:
		return fmt.Sprintf("%ds", sec)
	case sec < 3600:
		return fmt.Sprintf("%dm", sec/60)
	case sec < 86400:
		return fmt.Sprintf("%dh %dm", sec/3600, (sec%3600)/60)
	default:
		return fmt.Sprintf("%dd %dh", sec/86400, (sec%86400)/3600)
	}
}

// FormatTimestamp renders a wall-clock instant as HH:MM:SS UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("15:04:05")
}
