package domain

import (
	"math"
	"unicode/utf8"
)

// SMSFragments returns the number of billable SMS fragments for a rendered
// body: one fragment up to 160 characters, then 153-character framing for
// concatenated messages. Fragment limits are per character, not per byte.
func SMSFragments(body string) int {
	n := utf8.RuneCountInString(body)
	if n <= 160 {
		return 1
	}
	return int(math.Ceil(float64(n) / 153))
}

// BillableUnits computes the billable units recorded at send time. Email is
// never billed per unit.
func BillableUnits(channel Channel, body string) int {
	if channel != ChannelSMS {
		return 0
	}
	return SMSFragments(body)
}
