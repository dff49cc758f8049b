package alerts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/obsidianstack/relay/pkg/types"
)

// condition is a parsed rule condition.
//
// Supported expressions (field operator value):
//
//	relay_scrape_up < 1
//	relay_tls_cert_days_left < 14
//	rate(otelcol_exporter_send_failed_spans_total) > 100
//
// rate(...) compares the per-minute rate of a counter; samples without a rate
// yet never match it.
type condition struct {
	metric    string
	rate      bool
	op        string
	threshold float64
}

func parseCondition(s string) (condition, error) {
	parts := strings.Fields(s)
	if len(parts) != 3 {
		return condition{}, fmt.Errorf("condition %q: want \"<metric> <op> <value>\"", s)
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	switch op {
	case ">", ">=", "<", "<=", "==", "!=":
	default:
		return condition{}, fmt.Errorf("condition %q: unknown operator %q", s, op)
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return condition{}, fmt.Errorf("condition %q: threshold: %w", s, err)
	}

	c := condition{metric: field, op: op, threshold: threshold}
	if strings.HasPrefix(field, "rate(") && strings.HasSuffix(field, ")") {
		c.metric = strings.TrimSuffix(strings.TrimPrefix(field, "rate("), ")")
		c.rate = true
	}
	return c, nil
}

// eval reports whether sample is subject to c and, if so, whether it fires
// and the value compared.
func (c condition) eval(s types.Sample) (applies, fires bool, value float64) {
	if s.Name != c.metric {
		return false, false, 0
	}
	if c.rate {
		if !s.HasRate {
			return false, false, 0
		}
		return true, compareFloat(s.RatePM, c.op, c.threshold), s.RatePM
	}
	return true, compareFloat(s.Value, c.op, c.threshold), s.Value
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
