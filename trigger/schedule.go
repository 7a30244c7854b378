package trigger

import (
	"fmt"
	"strings"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/tempo"
)

var (
	// standardParser handles 5-field expressions and descriptors like "@every 30s".
	standardParser = cronlib.NewParser(
		cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
	)
	// secondsParser handles 6-field expressions with a leading seconds field.
	secondsParser = cronlib.NewParser(
		cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
	)
)

// Parse parses a cron expression. It accepts 5 fields, 6 fields with
// leading seconds, and 7 fields with seconds and a trailing year that must
// be "*", plus descriptors.
func Parse(expr string) (cronlib.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("tempo/trigger: %w: empty cron expression", tempo.ErrMalformed)
	}

	var (
		sched cronlib.Schedule
		err   error
	)
	if strings.HasPrefix(expr, "@") {
		sched, err = standardParser.Parse(expr)
	} else {
		fields := strings.Fields(expr)
		switch len(fields) {
		case 5:
			sched, err = standardParser.Parse(expr)
		case 6:
			sched, err = secondsParser.Parse(expr)
		case 7:
			if fields[6] != "*" {
				return nil, fmt.Errorf("tempo/trigger: %w: cron year field %q unsupported, use *", tempo.ErrMalformed, fields[6])
			}
			sched, err = secondsParser.Parse(strings.Join(fields[:6], " "))
		default:
			return nil, fmt.Errorf("tempo/trigger: %w: cron expression %q has %d fields", tempo.ErrMalformed, expr, len(fields))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("tempo/trigger: %w: parse %q: %w", tempo.ErrMalformed, expr, err)
	}
	return sched, nil
}

// scheduleCache caches parsed cron expressions.
type scheduleCache struct {
	mu     sync.RWMutex
	parsed map[string]cronlib.Schedule
}

func (c *scheduleCache) get(expr string) (cronlib.Schedule, error) {
	c.mu.RLock()
	sched, ok := c.parsed[expr]
	c.mu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.parsed == nil {
		c.parsed = make(map[string]cronlib.Schedule)
	}
	c.parsed[expr] = sched
	c.mu.Unlock()
	return sched, nil
}
