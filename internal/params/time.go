package params

import (
	"strconv"
	"strings"
	"time"
)

var layoutReplacer = strings.NewReplacer(
	"yyyy", "2006",
	"yy", "06",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
	"SSS", "000",
)

// layout converts a yyyyMMddHHmmss style pattern into a Go layout. ok is false
// when the pattern has no date or time token.
func layout(pattern string) (string, bool) {
	l := layoutReplacer.Replace(pattern)
	return l, l != pattern
}

// TimePlaceholder evaluates the body of a $[...] placeholder against at.
//
// Supported forms:
//
//	yyyyMMdd            formatted reference time
//	yyyy-MM-dd+N        N days later (N may be a product/quotient: 1/24 is one hour, 7*1 a week)
//	HHmmss-1/24         one hour earlier
//	add_months(fmt,N)   N months later
//	this_day(fmt), last_day(fmt)
//	month_begin(fmt,N), month_end(fmt,N), week_begin(fmt,N), week_end(fmt,N)
func TimePlaceholder(expr string, at time.Time) (string, bool) {
	expr = strings.TrimSpace(expr)
	if name, args, ok := call(expr); ok {
		return callPlaceholder(name, args, at)
	}

	pattern, offset := splitOffset(expr)
	l, ok := layout(pattern)
	if !ok {
		return "", false
	}
	return at.Add(offset).Format(l), true
}

func call(expr string) (string, []string, bool) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	args := strings.Split(expr[open+1:len(expr)-1], ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	return strings.TrimSpace(expr[:open]), args, true
}

func callPlaceholder(name string, args []string, at time.Time) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	l, ok := layout(args[0])
	if !ok {
		return "", false
	}
	n := 0
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return "", false
		}
		n = v
	}

	var t time.Time
	switch name {
	case "add_months":
		t = at.AddDate(0, n, 0)
	case "this_day":
		t = at
	case "last_day":
		t = at.AddDate(0, 0, -1)
	case "month_begin":
		t = monthBegin(at).AddDate(0, n, 0)
	case "month_end":
		t = monthBegin(at).AddDate(0, n+1, -1)
	case "week_begin":
		t = weekBegin(at).AddDate(0, 0, 7*n)
	case "week_end":
		t = weekBegin(at).AddDate(0, 0, 7*n+6)
	default:
		return "", false
	}
	return t.Format(l), true
}

func monthBegin(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// weekBegin returns the Monday of t's week, keeping the time of day.
func weekBegin(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

// splitOffset separates a trailing +N / -N day offset from the pattern.
// A '-' followed by pattern letters (yyyy-MM-dd) is part of the pattern.
func splitOffset(expr string) (string, time.Duration) {
	idx := strings.LastIndexAny(expr, "+-")
	if idx <= 0 {
		return expr, 0
	}
	days, ok := arithmetic(expr[idx+1:])
	if !ok {
		return expr, 0
	}
	if expr[idx] == '-' {
		days = -days
	}
	return expr[:idx], time.Duration(days * float64(24*time.Hour)).Round(time.Second)
}

// arithmetic evaluates digits joined by '*' and '/' left to right.
func arithmetic(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	var (
		result float64
		op     byte = '*'
		first       = true
	)
	for len(s) > 0 {
		end := strings.IndexAny(s, "*/")
		tok := s
		if end >= 0 {
			tok = s[:end]
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil || tok == "" || strings.ContainsAny(tok, "eE+-") {
			return 0, false
		}
		switch {
		case first:
			result, first = v, false
		case op == '*':
			result *= v
		default:
			if v == 0 {
				return 0, false
			}
			result /= v
		}
		if end < 0 {
			break
		}
		op = s[end]
		s = s[end+1:]
		if s == "" {
			return 0, false
		}
	}
	return result, true
}
