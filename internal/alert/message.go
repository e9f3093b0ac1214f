package alert

import (
	"fmt"
	"strconv"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

// UnknownLocation is used in the message when no fix could be obtained
const UnknownLocation = "an unknown location (location services failed)"

// Manila is the fixed reference zone for alert timestamps (Asia/Manila, no DST)
var Manila = time.FixedZone("PHT", 8*60*60)

// LocationText formats coordinates as shown to the user
func LocationText(lat, lon float64) string {
	return fmt.Sprintf("Lat: %.5f, Lon: %.5f", lat, lon)
}

// MapURL returns a Google Maps link for the coordinates
func MapURL(lat, lon float64) string {
	return "https://www.google.com/maps?q=" +
		strconv.FormatFloat(lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(lon, 'f', -1, 64)
}

// FormatTime renders t in the reference zone, e.g. "3/14/2025, 4:00:00 PM PHT"
func FormatTime(t time.Time) string {
	return t.In(Manila).Format("1/2/2006, 3:04:05 PM MST")
}

// Compose builds the SMS body. fix may be nil or lack coordinates.
func Compose(userName string, at time.Time, fix *types.Sample) string {
	where := UnknownLocation
	if fix != nil && fix.HasCoordinates() {
		lat, lon := *fix.Latitude, *fix.Longitude
		where = fmt.Sprintf("location %s (%s)", LocationText(lat, lon), MapURL(lat, lon))
	}
	return fmt.Sprintf(
		"This is an automatic crash detection alert from %s's phone. A potential crash (sudden stop) has been detected at %s on %s. Please contact emergency services or check on them immediately.",
		userName, where, FormatTime(at),
	)
}
