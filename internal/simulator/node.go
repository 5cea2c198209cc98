package simulator

import (
	"math"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Event types a simulated node can report.
var EventTypes = []string{"motion_detected", "door_opened", "low_battery", "button_pressed"}

// Node is one simulated sensor node.
type Node struct {
	ID        string
	Serial    string  `fake:"{uuid}"`
	Location  string  `fake:"{city}, {state}"`
	Firmware  string  `fake:"{appversion}"`
	Latitude  float64 `fake:"{latitude}"`
	Longitude float64 `fake:"{longitude}"`

	faker            *gofakeit.Faker
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	altitude         float64
	airQuality       float64
	noise            float64
	pressureTrend    float64
	lastPressure     float64
}

// NewNode creates a node with fake identity data and its own baselines.
// The same seed yields the same node and readings; seed 0 is random.
func NewNode(seed uint64) (*Node, error) {
	f := gofakeit.New(seed)

	n := &Node{faker: f}
	if err := f.Struct(n); err != nil {
		return nil, err
	}
	n.ID = "node-" + n.Serial[:8]

	n.baselineTemp = f.Float64Range(20, 30)
	n.baselineHumidity = f.Float64Range(50, 70)
	n.baselinePressure = 1013 + f.Float64Range(-10, 10)
	n.altitude = f.Float64Range(0, 1500)
	n.airQuality = f.Float64Range(20, 120)
	n.noise = f.Float64Range(0, 2)
	n.pressureTrend = f.Float64Range(-0.25, 0.25)
	n.lastPressure = n.baselinePressure

	return n, nil
}

// temperature follows a daily cycle peaking mid-afternoon, with noise and rare spikes.
func (n *Node) temperature(t time.Time) float64 {
	hour := float64(t.Hour())
	daily := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := (n.faker.Float64() - 0.5) * n.noise

	anomaly := 0.0
	if n.faker.Float64() < 0.05 {
		anomaly = n.faker.Float64Range(-7.5, 7.5)
	}
	return n.baselineTemp + daily + noise + anomaly
}

// humidity moves against temperature and is clamped to 20-95%.
func (n *Node) humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	daily := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - n.baselineTemp) * 1.5
	noise := (n.faker.Float64() - 0.5) * n.noise * 0.5

	rain := 0.0
	if n.faker.Float64() < 0.03 {
		rain = n.faker.Float64Range(0, 20)
	}
	return math.Max(20, math.Min(95, n.baselineHumidity+daily+tempEffect+noise+rain))
}

// pressure is a damped random walk with a drifting trend and occasional fronts.
func (n *Node) pressure() float64 {
	if n.faker.Float64() < 0.1 {
		n.pressureTrend = -n.pressureTrend + n.faker.Float64Range(-0.1, 0.1)
	}

	p := n.lastPressure + n.faker.Float64Range(-0.25, 0.25) + n.pressureTrend
	p = n.baselinePressure + (p-n.baselinePressure)*0.7

	if n.faker.Float64() < 0.02 {
		front := n.faker.Float64Range(-5, 5)
		p += front
		n.pressureTrend = front * 0.3
	}

	p = math.Max(980, math.Min(1040, p))
	n.lastPressure = p
	return p
}

func (n *Node) airQualityIndex() int64 {
	v := n.airQuality + n.faker.Float64Range(-15, 15)
	return int64(math.Max(0, math.Round(v)))
}

// Reading builds a data payload for t. Each measurement is left out with probability omit.
func (n *Node) Reading(t time.Time, omit float64) map[string]any {
	doc := map[string]any{
		"node_id":   n.ID,
		"timestamp": t.Unix(),
	}

	temperature := n.temperature(t)
	fields := []struct {
		value func() any
		name  string
	}{
		{name: "temperature", value: func() any { return round(temperature, 2) }},
		{name: "humidity", value: func() any { return round(n.humidity(t, temperature), 2) }},
		{name: "pressure", value: func() any { return round(n.pressure(), 2) }},
		{name: "altitude", value: func() any { return round(n.altitude, 1) }},
		{name: "air_quality", value: func() any { return n.airQualityIndex() }},
	}
	for _, f := range fields {
		if omit > 0 && n.faker.Float64() < omit {
			continue
		}
		doc[f.name] = f.value()
	}
	return doc
}

// Event returns an event payload with probability p, or nil.
func (n *Node) Event(t time.Time, p float64) map[string]any {
	if p <= 0 || n.faker.Float64() >= p {
		return nil
	}
	return map[string]any{
		"node_id":   n.ID,
		"event":     n.faker.RandomString(EventTypes),
		"timestamp": t.Unix(),
	}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
