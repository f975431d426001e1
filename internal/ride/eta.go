package ride

import (
	"fmt"
	"math"

	"goridesync/internal/models"
)

const EarthRadiusKM = 6371.0

// Average city speeds per vehicle class, km/h. Two-wheelers cut through
// traffic worse than the folklore suggests once signals are factored in.
const (
	carSpeedKMH  = 30.0
	motoSpeedKMH = 25.0
)

// Distance returns the great-circle distance between two points in
// kilometers via the haversine formula.
func Distance(from, to models.Location) float64 {
	lat1Rad := from.Lat * math.Pi / 180
	lon1Rad := from.Lng * math.Pi / 180
	lat2Rad := to.Lat * math.Pi / 180
	lon2Rad := to.Lng * math.Pi / 180

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKM * c
}

func speedFor(class models.VehicleClass) float64 {
	if class == models.VehicleClassMoto {
		return motoSpeedKMH
	}
	return carSpeedKMH
}

// EstimateMinutes converts a distance to whole minutes for the vehicle
// class, rounding up.
func EstimateMinutes(distanceKM float64, class models.VehicleClass) int {
	if distanceKM <= 0 {
		return 0
	}
	return int(math.Ceil(distanceKM / speedFor(class) * 60))
}

// Band buckets a minute count into the human-readable arrival bands; exact
// counts are only shown under 20 minutes to avoid implying precision the
// heuristic does not have.
func Band(minutes int) string {
	switch {
	case minutes < 1:
		return "Less than 1 min"
	case minutes == 1:
		return "1 min"
	case minutes < 20:
		return fmt.Sprintf("%d mins", minutes)
	default:
		return "20+ mins"
	}
}

// EstimateArrival is the full pipeline: distance, speed heuristic, band.
func EstimateArrival(from, to models.Location, class models.VehicleClass) string {
	return Band(EstimateMinutes(Distance(from, to), class))
}
