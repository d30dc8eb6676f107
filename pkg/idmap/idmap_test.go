package idmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInRange(t *testing.T) {
	ranges := []Range{{First: 1000, Count: 100}, {First: 2000, Count: 10}}
	assert.True(t, InRange(ranges, 1000))
	assert.True(t, InRange(ranges, 1099))
	assert.False(t, InRange(ranges, 1100))
	assert.True(t, InRange(ranges, 2005))
	assert.False(t, InRange(ranges, 3000))
}

func TestInMapping(t *testing.T) {
	m := []Entry{{Inside: 0, Outside: 100000, Count: 65536}}
	assert.True(t, InMapping(m, 0))
	assert.True(t, InMapping(m, 65535))
	assert.False(t, InMapping(m, 65536))
}

func TestCheckMapping(t *testing.T) {
	allowed := []Range{{First: 100000, Count: 65536}}
	assert.True(t, CheckMapping(allowed, []Entry{{Inside: 0, Outside: 100000, Count: 65536}}))
	assert.False(t, CheckMapping(allowed, []Entry{{Inside: 0, Outside: 165536, Count: 1}}))
	// straddles two allowed ranges: rejected even though union covers it
	straddling := []Range{{First: 100000, Count: 100}, {First: 100100, Count: 100}}
	assert.False(t, CheckMapping(straddling, []Entry{{Inside: 0, Outside: 100050, Count: 100}}))
}

func TestMapIDRoundTrip(t *testing.T) {
	// For any allowed (inside, outside, count),
	// map_id(inside+k) == outside+k for 0 <= k < count.
	e := Entry{Inside: 0, Outside: 100000, Count: 10}
	m := []Entry{e}
	for k := uint32(0); k < e.Count; k++ {
		got, ok := MapID(m, e.Inside+k)
		assert.True(t, ok)
		assert.Equal(t, e.Outside+k, got)
	}
	_, ok := MapID(m, e.Inside+e.Count)
	assert.False(t, ok)
}
