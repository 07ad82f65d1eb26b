package pulse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPingerTen(t *testing.T) {
	var seen []int
	p := NewPinger(10, func(pct int) { seen = append(seen, pct) })

	for i := 0; i < 10; i++ {
		p.Update()
	}
	p.Done()

	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
}

func TestPingerSuppressesUnchanged(t *testing.T) {
	var seen []int
	p := NewPinger(300, func(pct int) { seen = append(seen, pct) })

	for i := 0; i < 300; i++ {
		p.Update()
	}
	assert.Len(t, seen, 101)
	assert.Equal(t, 0, seen[0])
	assert.Equal(t, 100, seen[len(seen)-1])

	p.Done()
	assert.Len(t, seen, 101, "done after 100% must not repeat it")
}

func TestPingerDoneForcesHundred(t *testing.T) {
	var seen []int
	p := NewPinger(3, func(pct int) { seen = append(seen, pct) })
	p.Update()
	p.Done()
	assert.Equal(t, []int{33, 100}, seen)
	assert.Equal(t, 100, p.Percent())
}

func TestPingerZeroTotal(t *testing.T) {
	var seen []int
	p := NewPinger(0, func(pct int) { seen = append(seen, pct) })
	p.Update()
	p.Done()
	assert.Equal(t, []int{100}, seen)
}

func TestPingerOvercount(t *testing.T) {
	var seen []int
	p := NewPinger(2, func(pct int) { seen = append(seen, pct) })
	for i := 0; i < 5; i++ {
		p.Update()
	}
	assert.Equal(t, []int{50, 100}, seen)
}

func TestPingerNilCallback(t *testing.T) {
	p := NewPinger(1, nil)
	p.Update()
	p.Done()
	assert.Equal(t, 100, p.Percent())
}
