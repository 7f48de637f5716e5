package models

import "time"

// DroneStatus represents the availability of a drone.
type DroneStatus string

const (
	DroneStatusIdle DroneStatus = "IDLE"
	DroneStatusBusy DroneStatus = "BUSY"
)

// Drone is the registry view of a delivery drone. The orchestrator only reads its status and
// capacity attributes to select a candidate.
// CurrentMissionID has a one-to-one relation to DeliveryMission (nil when idle).
type Drone struct {
	ID               string      `json:"id"`
	SerialNumber     string      `json:"serialNumber"`
	Name             string      `json:"name"`
	RestaurantID     string      `json:"restaurantId"`
	Status           DroneStatus `json:"status"`
	Location         *GeoPoint   `json:"location,omitempty"`
	MaxPayloadKg     float64     `json:"maxPayloadKg"`
	MaxRangeKm       float64     `json:"maxRangeKm"`
	CurrentMissionID *string     `json:"currentMissionId,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// MissionStatus is the progress of a delivery mission.
type MissionStatus string

const (
	MissionStatusQueued     MissionStatus = "QUEUED"
	MissionStatusInProgress MissionStatus = "IN_PROGRESS"
	MissionStatusDelivered  MissionStatus = "DELIVERED"
	MissionStatusCompleted  MissionStatus = "COMPLETED"
	MissionStatusFailed     MissionStatus = "FAILED"
)

// IsActive reports whether the mission still holds its drone.
func (s MissionStatus) IsActive() bool {
	return s == MissionStatusQueued || s == MissionStatusInProgress
}

// DeliveryMission binds one order to one drone for the duration of a delivery.
type DeliveryMission struct {
	ID            string        `json:"id"`
	MissionNumber string        `json:"missionNumber"`
	OrderID       string        `json:"orderId"`
	DroneID       string        `json:"droneId"`
	RestaurantID  string        `json:"restaurantId"`
	Status        MissionStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	DeliveredAt   *time.Time    `json:"deliveredAt,omitempty"`
}
