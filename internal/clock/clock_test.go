package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClockReadings(t *testing.T) {
	c, mock := NewMock()

	assert.Equal(t, 0.0, c.NowMonotonic())
	start := c.NowWall()

	mock.Add(1500 * time.Millisecond)

	assert.Equal(t, 1500.0, c.NowMonotonic())
	assert.Equal(t, start+1500, c.NowWall())
	assert.Equal(t, mock.Now(), c.Now())
}

func TestFromSourceNilFallsBackToSystemClock(t *testing.T) {
	c := FromSource(nil)
	before := time.Now().UnixMilli()
	got := c.NowWall()
	assert.GreaterOrEqual(t, got, before)
	assert.GreaterOrEqual(t, c.NowMonotonic(), 0.0)
}
