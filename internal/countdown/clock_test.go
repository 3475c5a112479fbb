package countdown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_FiresInOrder(t *testing.T) {
	clk := NewManualClock(time.Unix(100, 0))
	var got []string

	clk.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	clk.AfterFunc(time.Second, func() { got = append(got, "a") })
	clk.AfterFunc(2*time.Second, func() { got = append(got, "c") })
	clk.AfterFunc(5*time.Second, func() { got = append(got, "late") })

	clk.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, time.Unix(102, 0), clk.Now())
	assert.Equal(t, 1, clk.Pending())
}

func TestManualClock_ZeroDelayWaitsForAdvance(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	fired := false
	clk.AfterFunc(0, func() { fired = true })
	assert.False(t, fired)

	clk.Advance(0)
	assert.True(t, fired)
}

func TestManualClock_StopPreventsFire(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	fired := false
	s := clk.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())
	clk.Advance(time.Minute)
	assert.False(t, fired)
}

func TestManualClock_CallbackCanReschedule(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	count := 0
	var again func()
	again = func() {
		count++
		clk.AfterFunc(time.Second, again)
	}
	clk.AfterFunc(time.Second, again)

	clk.Advance(3 * time.Second)
	assert.Equal(t, 3, count)
}

func TestRealClock_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	RealClock{}.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("real clock callback did not fire")
	}
}
