// Package generator simulates soil sensors for development and load tests.
package generator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Sensor is a simulated in-field soil probe.
type Sensor struct {
	InstalledAt time.Time
	SensorID    string  `fake:"{uuid}"`
	Field       string  `fake:"{city} plot {number:1,40}"`
	Firmware    string  `fake:"{appversion}"`
	Latitude    float64 `fake:"{latitude}"`
	Longitude   float64 `fake:"{longitude}"`
}

// Reading is the JSON payload a sensor publishes.
type Reading struct {
	Timestamp   time.Time `json:"timestamp"`
	SensorID    string    `json:"sensor_id"`
	Temperature float64   `json:"temperature"`
	PH          float64   `json:"ph"`
	Nitrogen    float64   `json:"nitrogen"`
	Phosphorus  float64   `json:"phosphorus"`
	Potassium   float64   `json:"potassium"`
}

// NewSensor returns a sensor with fake identity data.
func NewSensor() *Sensor {
	var sensor Sensor
	if err := gofakeit.Struct(&sensor); err != nil {
		return nil
	}
	sensor.InstalledAt = time.Now()
	return &sensor
}

// SoilGenerator produces a plausible series of readings for one sensor.
// Soil temperature follows the day, pH drifts slowly and nutrients deplete
// until an occasional fertilization event restores them.
type SoilGenerator struct {
	mu              sync.Mutex
	sensorID        string
	baselineTemp    float64
	ph              float64
	nitrogen        float64
	phosphorus      float64
	potassium       float64
	noise           float64
	fertilizeChance float64
}

// NewSoilGenerator creates a generator with randomized baselines.
// Note: Uses math/rand which is acceptable for simulation data.
func NewSoilGenerator(sensorID string) *SoilGenerator {
	return &SoilGenerator{
		sensorID:        sensorID,
		baselineTemp:    22.0 + rand.Float64()*8,  // #nosec G404 - 22-30°C
		ph:              5.5 + rand.Float64()*2,   // #nosec G404 - 5.5-7.5
		nitrogen:        8.0 + rand.Float64()*12,  // #nosec G404 - 8-20 mg/kg
		phosphorus:      3.0 + rand.Float64()*7,   // #nosec G404 - 3-10 mg/kg
		potassium:       5.0 + rand.Float64()*10,  // #nosec G404 - 5-15 mg/kg
		noise:           0.5 + rand.Float64()*1.5, // #nosec G404
		fertilizeChance: 0.01,
	}
}

// Temperature returns the soil temperature at t. Soil lags air, so the
// daily peak is late afternoon.
func (g *SoilGenerator) Temperature(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	dailyCycle := 3 * math.Sin((hour-10)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * g.noise // #nosec G404
	return g.baselineTemp + dailyCycle + noise
}

// Next advances the simulation and returns the reading at t.
func (g *SoilGenerator) Next(t time.Time) Reading {
	g.mu.Lock()
	defer g.mu.Unlock()

	// #nosec G404 - weak random is acceptable for simulation
	g.ph = clamp(g.ph+(rand.Float64()-0.5)*0.02, 4.5, 8.5)

	// #nosec G404
	if rand.Float64() < g.fertilizeChance {
		g.nitrogen += 5 + rand.Float64()*5
		g.phosphorus += 2 + rand.Float64()*3
		g.potassium += 3 + rand.Float64()*4
	} else {
		g.nitrogen = math.Max(0, g.nitrogen-rand.Float64()*0.05)
		g.phosphorus = math.Max(0, g.phosphorus-rand.Float64()*0.02)
		g.potassium = math.Max(0, g.potassium-rand.Float64()*0.03)
	}

	return Reading{
		Timestamp:   t,
		SensorID:    g.sensorID,
		Temperature: round(g.Temperature(t), 2),
		PH:          round(g.ph, 2),
		Nitrogen:    round(g.nitrogen, 1),
		Phosphorus:  round(g.phosphorus, 1),
		Potassium:   round(g.potassium, 1),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
