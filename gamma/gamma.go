// Package gamma builds the 256 entry lookup tables used to correct LED
// intensities before they are sent to the strip.
package gamma

import "math"

// Table maps a linear 8 bit channel value to its corrected output.
type Table [256]byte

// Identity returns a table that leaves every value unchanged.
func Identity() Table {
	var t Table
	for i := range t {
		t[i] = byte(i)
	}
	return t
}

// New returns the curve round(255 * (i/255)^factor).
//
// A factor <= 0 yields the identity table.
func New(factor float64) Table {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return Identity()
	}
	var t Table
	for i := range t {
		t[i] = byte(math.Pow(float64(i)/255.0, factor)*255.0 + 0.5)
	}
	return t
}

// Apply returns the corrected value of v. A nil table is the identity.
func (t *Table) Apply(v byte) byte {
	if t == nil {
		return v
	}
	return t[v]
}

// Max returns the largest output of the table.
func (t *Table) Max() byte {
	if t == nil {
		return 255
	}
	var m byte
	for _, v := range t {
		if v > m {
			m = v
		}
	}
	return m
}
