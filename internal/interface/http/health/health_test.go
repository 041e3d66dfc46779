package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestChecker_States(t *testing.T) {
	c := NewChecker("v1")
	assert.Equal(t, StateUp, c.Check(context.Background()).State)

	c.Add("postgres", PingCheck(pinger{}))
	c.AddOptional("redis", PingCheck(pinger{err: errors.New("refused")}))
	s := c.Check(context.Background())
	assert.Equal(t, StateDegraded, s.State)
	assert.True(t, s.Ready())
	assert.Equal(t, "refused", s.Checks["redis"].Message)
	assert.False(t, s.Checks["redis"].Critical)

	c.Add("ledger", func(context.Context) error { panic("bad") })
	s = c.Check(context.Background())
	assert.Equal(t, StateDown, s.State)
	assert.False(t, s.Ready())
	assert.Equal(t, ErrCheckPanicked.Error(), s.Checks["ledger"].Message)

	c.Remove("ledger")
	c.Remove("redis")
	assert.Equal(t, StateUp, c.Check(context.Background()).State)
}

func TestChecker_Timeout(t *testing.T) {
	c := NewChecker("v1")
	c.SetTimeout(10 * time.Millisecond)
	c.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	s := c.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDown, s.State)
	assert.Equal(t, context.DeadlineExceeded.Error(), s.Checks["slow"].Message)
}
