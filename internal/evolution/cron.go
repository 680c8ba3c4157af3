package evolution

import (
	"context"

	"github.com/robfig/cron/v3"
)

// cronTrigger wraps robfig/cron to fire fn on the given cron expression.
// The spec calls for a "time-of-day cron expression" trigger; no example
// repo in the pack implements or imports a cron parser, so this is the one
// named new dependency (see DESIGN.md).
type cronTrigger struct {
	c *cron.Cron
}

func newCronTrigger(expr string, fn func(ctx context.Context)) (*cronTrigger, error) {
	c := cron.New()
	_, err := c.AddFunc(expr, func() { fn(context.Background()) })
	if err != nil {
		return nil, err
	}
	return &cronTrigger{c: c}, nil
}

func (t *cronTrigger) Start() { t.c.Start() }

func (t *cronTrigger) Stop() { t.c.Stop() }
