// Package generator produces simulated devices and plausible sensor readings
// for exercising the platform without hardware.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Observation ids of the simulated sensor template.
const (
	ObservationTemperature int64 = 1
	ObservationHumidity    int64 = 2
	ObservationPressure    int64 = 3
	ObservationBattery     int64 = 4
	ObservationStatus      int64 = 5
)

// Device is a simulated device.
type Device struct {
	ID       string
	Location string `fake:"{city}"`
	Firmware string `fake:"{appversion}"`
	Status   string `fake:"{randomstring:[idle,heating,cooling,maintenance]}"`
	// Started is when the battery was last full.
	Started time.Time
}

// NewDevice creates a device with a random id usable in routing keys.
func NewDevice() *Device {
	var device Device
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}
	device.ID = gofakeit.Regex("[A-Z0-9]{12}")
	device.Started = time.Now().Add(-time.Duration(gofakeit.IntRange(0, 720)) * time.Hour)
	return &device
}

// NewDeviceWithID creates a device with a fixed id.
func NewDeviceWithID(id string) *Device {
	d := NewDevice()
	if d == nil {
		return nil
	}
	d.ID = id
	return d
}

// Reading is one set of correlated sensor values.
type Reading struct {
	Time        time.Time
	Temperature float64
	Humidity    float64
	Pressure    float64
	Battery     float64
}

// Values returns the reading keyed by observation id.
func (r Reading) Values() map[int64]float64 {
	return map[int64]float64{
		ObservationTemperature: r.Temperature,
		ObservationHumidity:    r.Humidity,
		ObservationPressure:    r.Pressure,
		ObservationBattery:     r.Battery,
	}
}

// SensorModel generates readings of one device. It is not safe for
// concurrent use.
type SensorModel struct {
	started          time.Time
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	noise            float64
	pressureTrend    float64 // Simulates weather system movement
	lastPressure     float64
}

// NewSensorModel creates a model with random baselines for d.
// Note: Uses math/rand which is acceptable for simulation data.
func NewSensorModel(d *Device) *SensorModel {
	return &SensorModel{
		started:          d.Started,
		baselineTemp:     20.0 + rand.Float64()*10,         // #nosec G404 - 20-30°C
		baselineHumidity: 50.0 + rand.Float64()*20,         // #nosec G404 - 50-70%
		baselinePressure: 1013.0 + (rand.Float64()-0.5)*20, // #nosec G404 - 1003-1023 hPa
		noise:            rand.Float64() * 2,               // #nosec G404
		pressureTrend:    (rand.Float64() - 0.5) * 0.5,     // #nosec G404 - Slow trend
		lastPressure:     1013.0,
	}
}

// GenerateTemperature with daily pattern.
func (g *SensorModel) GenerateTemperature(t time.Time) float64 {
	hour := float64(t.Hour())

	// Daily cycle (peak around 2-3 PM)
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)

	// Random noise
	noise := (rand.Float64() - 0.5) * g.noise

	// Occasional anomalies (5% chance)
	anomaly := 0.0
	if rand.Float64() < 0.05 {
		anomaly = (rand.Float64() - 0.5) * 15 // ±7.5°C spike
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// GenerateHumidity with inverse temperature correlation.
func (g *SensorModel) GenerateHumidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())

	// Daily cycle (inverse of temperature - higher at night)
	dailyCycle := -3 * math.Sin((hour-6)*math.Pi/12)

	// Inverse correlation with temperature
	// When temp is higher than baseline, humidity tends to be lower
	tempEffect := -(temperature - g.baselineTemp) * 1.5

	// Random noise (humidity is less noisy than temperature)
	noise := (rand.Float64() - 0.5) * g.noise * 0.5

	// Seasonal/weather pattern (slower changes)
	weatherPattern := 10 * math.Sin(float64(t.Unix())/(86400*7)) // Weekly cycle

	// Occasional anomalies (rain, etc.) - 3% chance
	anomaly := 0.0
	if rand.Float64() < 0.03 {
		anomaly = rand.Float64() * 20 // Humidity spike (rain)
	}

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise + weatherPattern + anomaly

	// Clamp between realistic bounds (20-95%)
	return math.Max(20, math.Min(95, humidity))
}

// GeneratePressure with slow trending behavior.
func (g *SensorModel) GeneratePressure(t time.Time) float64 {
	// Pressure changes slowly - simulate weather systems
	// Use random walk with trend

	// Small random change (±0.5 hPa per reading)
	randomChange := (rand.Float64() - 0.5) * 0.5

	// Apply trend (simulates high/low pressure system movement)
	trendChange := g.pressureTrend

	// Occasionally reverse trend (10% chance)
	if rand.Float64() < 0.1 {
		g.pressureTrend = -g.pressureTrend + (rand.Float64()-0.5)*0.2
	}

	// Very slow sinusoidal pattern (multi-day cycle)
	dayOfYear := float64(t.YearDay())
	seasonalPattern := 5 * math.Sin(dayOfYear*2*math.Pi/365)

	// Time-of-day effect (very subtle - pressure slightly higher in morning/evening)
	hour := float64(t.Hour())
	diurnalCycle := 0.5 * math.Sin((hour-3)*math.Pi/12)

	// Calculate new pressure based on last pressure (random walk)
	newPressure := g.lastPressure + randomChange + trendChange + diurnalCycle*0.1

	// Add baseline and seasonal pattern
	newPressure = g.baselinePressure + (newPressure-g.baselinePressure)*0.7 + seasonalPattern

	// Clamp to realistic bounds (980-1040 hPa)
	newPressure = math.Max(980, math.Min(1040, newPressure))

	// Occasional weather front (rapid pressure change) - 2% chance
	if rand.Float64() < 0.02 {
		frontChange := (rand.Float64() - 0.5) * 10 // ±5 hPa
		newPressure += frontChange
		g.pressureTrend = frontChange * 0.3 // Trend follows the front
	}

	g.lastPressure = newPressure
	return newPressure
}

// Next generates readings with realistic correlations.
func (g *SensorModel) Next(t time.Time) Reading {
	// Generate temperature first
	temperature := g.GenerateTemperature(t)

	// Humidity is correlated with temperature
	humidity := g.GenerateHumidity(t, temperature)

	// Pressure is independent but slow-changing
	pressure := g.GeneratePressure(t)

	// Battery drains over ~36 days since the device started
	batteryDrain := t.Sub(g.started).Hours() / (720 * 1.2) * 100
	battery := 100 - batteryDrain - rand.Float64()*2 // #nosec G404
	battery = math.Max(5, math.Min(100, battery))

	return Reading{
		Time:        t,
		Temperature: math.Round(temperature*100) / 100, // 2 decimal places
		Humidity:    math.Round(humidity*100) / 100,
		Pressure:    math.Round(pressure*100) / 100,
		Battery:     math.Round(battery*10) / 10, // 1 decimal place
	}
}
