package models

import (
	"fmt"
	"time"
)

type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (l Location) String() string {
	return fmt.Sprintf("%.6f,%.6f", l.Lat, l.Lng)
}

func (l Location) IsValid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// Equal compares coordinates only; the timestamp is bookkeeping and does
// not make two positions different.
func (l Location) Equal(other Location) bool {
	return l.Lat == other.Lat && l.Lng == other.Lng
}
