// Package pincode derives and validates the time-based access code that
// authorises VPN provisioning. The code is a pure function of the
// day-of-month, month and hour of the supplied instant; there is no
// tolerance window, so the valid code changes the moment the hour rolls over.
package pincode

import (
	"time"
)

// Length is the number of digits in every pincode.
const Length = 6

// Info is a diagnostic snapshot of the values a pincode was derived from.
type Info struct {
	Timestamp string `json:"timestamp"` // Instant formatted as "2006-01-02 15:04:05"
	Day       int    `json:"day"`       // Day of month (1-31)
	Month     int    `json:"month"`     // Month (1-12)
	Hour      int    `json:"hour"`      // Hour of day (0-23)
	Pincode   string `json:"pincode"`   // Code derived from the three fields above
}

// Deriver computes pincodes against a clock and a time zone.
// The zero value is not usable; construct with NewDeriver.
type Deriver struct {
	now      func() time.Time
	location *time.Location
}

// NewDeriver creates a Deriver that reads the wall clock in the local zone.
func NewDeriver() *Deriver {
	return &Deriver{
		now:      time.Now,
		location: time.Local,
	}
}

// NewDeriverWithConfig creates a Deriver with an explicit clock and zone.
// A nil clock falls back to time.Now and a nil location to time.Local.
func NewDeriverWithConfig(now func() time.Time, location *time.Location) *Deriver {
	if now == nil {
		now = time.Now
	}
	if location == nil {
		location = time.Local
	}
	return &Deriver{
		now:      now,
		location: location,
	}
}

// Now returns the deriver's current instant in its configured zone.
func (d *Deriver) Now() time.Time {
	return d.now().In(d.location)
}

// Derive maps an instant to its 6-digit pincode.
//
// Day, month and hour are each zero-padded to two digits and concatenated.
// Every digit below 9 is then incremented by one and 9 stays 9, so a
// derived code never contains a zero and the code space is not uniform.
func Derive(t time.Time) string {
	var raw [Length]byte
	putTwoDigits(raw[0:2], t.Day())
	putTwoDigits(raw[2:4], int(t.Month()))
	putTwoDigits(raw[4:6], t.Hour())

	for i, c := range raw {
		if c < '9' {
			raw[i] = c + 1
		}
	}
	return string(raw[:])
}

// Validate reports whether candidate equals the pincode derived from t.
// It fails closed: empty input, wrong length or any non-digit is false.
func Validate(candidate string, t time.Time) bool {
	if !wellFormed(candidate) {
		return false
	}
	return candidate == Derive(t)
}

// CurrentInfo bundles the raw time fields of t with its derived pincode.
func CurrentInfo(t time.Time) Info {
	return Info{
		Timestamp: t.Format("2006-01-02 15:04:05"),
		Day:       t.Day(),
		Month:     int(t.Month()),
		Hour:      t.Hour(),
		Pincode:   Derive(t),
	}
}

// Current derives the pincode for the deriver's current instant.
func (d *Deriver) Current() string {
	return Derive(d.Now())
}

// CurrentInfo returns the diagnostic snapshot for the current instant.
func (d *Deriver) CurrentInfo() Info {
	return CurrentInfo(d.Now())
}

// Validate checks candidate against the code for the current instant.
func (d *Deriver) Validate(candidate string) bool {
	return Validate(candidate, d.Now())
}

// LooksLikePincode reports whether s has the shape of a pincode attempt
// (exactly six ASCII digits). Chat front-ends use it to route messages.
func LooksLikePincode(s string) bool {
	return wellFormed(s)
}

func wellFormed(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func putTwoDigits(dst []byte, v int) {
	dst[0] = byte('0' + v/10%10)
	dst[1] = byte('0' + v%10)
}
