// Package backend provides the soil monitor backend: reading ingestion from
// RabbitMQ and HTTP, PostgreSQL persistence, the daily summary job and its
// HTTP, WebSocket and gRPC surfaces.
package backend

import (
	"time"

	"agrisense.dev/soil-monitor/internal/summary"
)

// SensorReading represents a soil sensor reading stored in the database.
type SensorReading struct {
	Timestamp   time.Time `gorm:"index:idx_soil_readings_timestamp;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Temperature float64   `gorm:"not null"`
	PH          float64   `gorm:"column:ph;not null"`
	Nitrogen    float64   `gorm:"not null"`
	Phosphorus  float64   `gorm:"not null"`
	Potassium   float64   `gorm:"not null"`
	ID          uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for SensorReading model.
func (SensorReading) TableName() string {
	return "soil_readings"
}

// ToSummary converts the row to the domain reading.
func (r SensorReading) ToSummary() summary.Reading {
	return summary.Reading{
		Timestamp:   r.Timestamp,
		Temperature: r.Temperature,
		PH:          r.PH,
		Nitrogen:    r.Nitrogen,
		Phosphorus:  r.Phosphorus,
		Potassium:   r.Potassium,
	}
}

// NewSensorReading builds a row from a domain reading.
func NewSensorReading(r summary.Reading) SensorReading {
	return SensorReading{
		Timestamp:   r.Timestamp.UTC(),
		Temperature: r.Temperature,
		PH:          r.PH,
		Nitrogen:    r.Nitrogen,
		Phosphorus:  r.Phosphorus,
		Potassium:   r.Potassium,
	}
}

// User is an account of the identity store. Every active user is a
// subscriber of the daily summary.
type User struct {
	CreatedAt time.Time `gorm:"autoCreateTime"`
	Username  string    `gorm:"uniqueIndex;size:150;not null"`
	Email     string    `gorm:"size:254"`
	IsActive  bool      `gorm:"index;not null;default:true"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for User model.
func (User) TableName() string {
	return "auth_user"
}

// ToSubscriber converts the account to a broadcast subscriber.
func (u User) ToSubscriber() summary.Subscriber {
	return summary.Subscriber{ID: u.ID, Username: u.Username}
}
