package store

import (
	"math"
	"time"
)

// Reading is one environmental sample reported by a sensor node.
// Nil measurement fields were not reported by the device.
type Reading struct {
	ReceivedAt      time.Time `gorm:"index:idx_sensor_data_received_at;index:idx_sensor_data_node_received,priority:2;not null" bson:"received_at" json:"received_at"`
	Temperature     *float64  `bson:"temperature" json:"temperature"`
	Humidity        *float64  `bson:"humidity" json:"humidity"`
	Pressure        *float64  `bson:"pressure" json:"pressure"`
	Altitude        *float64  `bson:"altitude" json:"altitude"`
	AirQuality      *int64    `bson:"air_quality" json:"air_quality"`
	DeviceTimestamp *int64    `bson:"device_timestamp" json:"device_timestamp"`
	NodeID          string    `gorm:"index:idx_sensor_data_node_received,priority:1;not null" bson:"node_id" json:"node_id"`
	ID              uint64    `gorm:"primaryKey;autoIncrement" bson:"_id" json:"id"`
}

// TableName specifies the table name for the Reading model.
func (Reading) TableName() string {
	return ReadingsTable
}

// Event is a discrete occurrence reported by a sensor node, such as motion or a button press.
type Event struct {
	ReceivedAt      time.Time `gorm:"index:idx_events_received_at;index:idx_events_node_received,priority:2;not null" bson:"received_at" json:"received_at"`
	DeviceTimestamp *int64    `bson:"device_timestamp" json:"device_timestamp"`
	NodeID          string    `gorm:"index:idx_events_node_received,priority:1;not null" bson:"node_id" json:"node_id"`
	EventType       string    `gorm:"not null" bson:"event_type" json:"event_type"`
	ID              uint64    `gorm:"primaryKey;autoIncrement" bson:"_id" json:"id"`
}

// TableName specifies the table name for the Event model.
func (Event) TableName() string {
	return EventsTable
}

// Stats summarizes the readings of a time window. Averages skip unreported values
// and stay nil when no reading in the window carried the field.
type Stats struct {
	AvgTemperature *float64   `json:"avg_temperature"`
	AvgHumidity    *float64   `json:"avg_humidity"`
	LastUpdated    *time.Time `json:"last_updated"`
	NodeCount      int64      `json:"node_count"`
	ReadingCount   int64      `json:"reading_count"`
}

// Empty reports whether the window held no readings.
func (s *Stats) Empty() bool {
	return s == nil || s.ReadingCount == 0
}

// round2 rounds an average to two decimals. Nil stays nil.
func round2(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*100) / 100
	return &r
}
