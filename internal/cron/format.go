package cron

import (
	"strconv"
	"strings"
	"time"
)

type bounds struct{ min, max uint }

var (
	minuteBounds = bounds{0, 59}
	hourBounds   = bounds{0, 23}
	domBounds    = bounds{1, 31}
	monthBounds  = bounds{1, 12}
	dowBounds    = bounds{0, 6}
)

// String renders the trigger as a canonical 5-field expression.
// Parsing the result with the same timezone yields identical field sets.
func (t *Trigger) String() string {
	if t == nil {
		return ""
	}
	s := t.spec
	return strings.Join([]string{
		formatField(s.Minute, minuteBounds),
		formatField(s.Hour, hourBounds),
		formatField(s.Dom, domBounds),
		formatField(s.Month, monthBounds),
		formatField(s.Dow, dowBounds),
	}, " ")
}

func formatField(bits uint64, b bounds) string {
	if bits&starBit != 0 {
		return "*"
	}
	vals := make([]uint, 0, b.max-b.min+1)
	for v := b.min; v <= b.max; v++ {
		if bits&(1<<v) != 0 {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return strconv.Itoa(int(b.min))
	}
	if step, ok := progression(vals); ok {
		first, last := vals[0], vals[len(vals)-1]
		if first == b.min && last+step > b.max {
			return "*/" + strconv.Itoa(int(step))
		}
		return strconv.Itoa(int(first)) + "-" + strconv.Itoa(int(last)) + "/" + strconv.Itoa(int(step))
	}

	var parts []string
	for i := 0; i < len(vals); {
		j := i
		for j+1 < len(vals) && vals[j+1] == vals[j]+1 {
			j++
		}
		switch {
		case j-i >= 2:
			parts = append(parts, strconv.Itoa(int(vals[i]))+"-"+strconv.Itoa(int(vals[j])))
		default:
			for k := i; k <= j; k++ {
				parts = append(parts, strconv.Itoa(int(vals[k])))
			}
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// progression reports a constant step greater than one across at least
// three values.
func progression(vals []uint) (uint, bool) {
	if len(vals) < 3 {
		return 0, false
	}
	step := vals[1] - vals[0]
	if step < 2 {
		return 0, false
	}
	for i := 2; i < len(vals); i++ {
		if vals[i]-vals[i-1] != step {
			return 0, false
		}
	}
	return step, true
}

// FormatDuration renders d using its largest non-zero unit: years (365d),
// months (30d), days, hours, minutes, else seconds.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	secs := int64(d / time.Second)
	mins := secs / 60
	hours := mins / 60
	days := hours / 24
	months := days / 30
	years := days / 365

	switch {
	case years > 0:
		return strconv.FormatInt(years, 10) + "y"
	case months > 0:
		return strconv.FormatInt(months, 10) + "mo"
	case days > 0:
		return strconv.FormatInt(days, 10) + "d"
	case hours > 0:
		return strconv.FormatInt(hours, 10) + "h"
	case mins > 0:
		return strconv.FormatInt(mins, 10) + "m"
	default:
		return strconv.FormatInt(secs, 10) + "s"
	}
}
