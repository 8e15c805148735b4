// Package `ratecounter` is the subset of `paulbellamy/ratecounter` that the
// uploader uses to report transfer throughput.
package ratecounter

import (
	"time"

	"github.com/paulbellamy/ratecounter"
)

type RateCounter = ratecounter.RateCounter

func NewRateCounter(interval time.Duration) *RateCounter {
	return ratecounter.NewRateCounter(interval)
}
