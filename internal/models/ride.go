package models

import (
	"time"
)

type RideStatus string
type VehicleClass string

const (
	RideStatusRequested RideStatus = "requested"
	RideStatusAccepted  RideStatus = "accepted"
	RideStatusPickedUp  RideStatus = "picked_up"
	RideStatusCompleted RideStatus = "completed"
	RideStatusCanceled  RideStatus = "canceled"
	RideStatusRejected  RideStatus = "rejected"

	VehicleClassCar  VehicleClass = "car"
	VehicleClassMoto VehicleClass = "moto"
)

// rideTransitions defines the reachable statuses from each non-terminal
// state. Cancellation from picked_up is permitted by policy; rejection is
// only possible before a driver has the rider on board.
var rideTransitions = map[RideStatus][]RideStatus{
	RideStatusRequested: {RideStatusAccepted, RideStatusCanceled, RideStatusRejected},
	RideStatusAccepted:  {RideStatusPickedUp, RideStatusCanceled},
	RideStatusPickedUp:  {RideStatusCompleted, RideStatusCanceled},
	RideStatusCompleted: {},
	RideStatusCanceled:  {},
	RideStatusRejected:  {},
}

func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	for _, allowed := range rideTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s RideStatus) IsTerminal() bool {
	return len(rideTransitions[s]) == 0
}

type RideSession struct {
	RideID         string       `json:"ride_id"`
	Status         RideStatus   `json:"status"`
	DriverID       string       `json:"driver_id,omitempty"`
	DriverName     string       `json:"driver_name,omitempty"`
	PassengerID    string       `json:"passenger_id"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	PickupLocation Location     `json:"pickup_location"`
	DropoffLocation Location    `json:"dropoff_location"`
	DriverLocation *Location    `json:"driver_location,omitempty"`
	EstimatedArrival string     `json:"estimated_arrival,omitempty"`
	CancelReason   string       `json:"cancel_reason,omitempty"`
	RequestedAt    time.Time    `json:"requested_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
