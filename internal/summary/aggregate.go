// Package summary computes the daily soil summary from stored sensor readings
// and fans the result out to every subscriber's notification channel.
package summary

import (
	"errors"
	"math"
	"time"
)

// ErrNoData is returned by Aggregate when the window holds no readings.
var ErrNoData = errors.New("no sensor readings for the day")

// Reading is a single soil sensor sample.
type Reading struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	PH          float64   `json:"ph"`
	Nitrogen    float64   `json:"nitrogen"`
	Phosphorus  float64   `json:"phosphorus"`
	Potassium   float64   `json:"potassium"`
}

// DailyAggregate holds the unrounded arithmetic means of one day's readings.
type DailyAggregate struct {
	Start          time.Time
	End            time.Time
	Count          int
	TemperatureAvg float64
	PHAvg          float64
	NitrogenAvg    float64
	PhosphorusAvg  float64
	PotassiumAvg   float64
}

// Figures is the rounded, presentation form of an aggregate.
type Figures struct {
	Temperature float64 `json:"temperature"`
	PH          float64 `json:"ph"`
	Nitrogen    float64 `json:"nitrogen"`
	Phosphorus  float64 `json:"phosphorus"`
	Potassium   float64 `json:"potassium"`
}

// DayWindow returns the half-open interval [start, end) of the calendar day
// containing t in loc. DST transitions are handled by the calendar, so the
// window may be 23 or 25 hours long.
func DayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// Aggregate computes the per-field mean of readings. Sums are accumulated in
// slice order, so the same input always yields bit-identical results.
func Aggregate(readings []Reading) (DailyAggregate, error) {
	if len(readings) == 0 {
		return DailyAggregate{}, ErrNoData
	}

	var t, ph, n, p, k float64
	for _, r := range readings {
		t += r.Temperature
		ph += r.PH
		n += r.Nitrogen
		p += r.Phosphorus
		k += r.Potassium
	}

	count := float64(len(readings))
	return DailyAggregate{
		Count:          len(readings),
		TemperatureAvg: t / count,
		PHAvg:          ph / count,
		NitrogenAvg:    n / count,
		PhosphorusAvg:  p / count,
		PotassiumAvg:   k / count,
	}, nil
}

// Rounded returns the presentation figures: temperature and macronutrients to
// one decimal place, pH to two.
func (a DailyAggregate) Rounded() Figures {
	return Figures{
		Temperature: roundTo(a.TemperatureAvg, 1),
		PH:          roundTo(a.PHAvg, 2),
		Nitrogen:    roundTo(a.NitrogenAvg, 1),
		Phosphorus:  roundTo(a.PhosphorusAvg, 1),
		Potassium:   roundTo(a.PotassiumAvg, 1),
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
