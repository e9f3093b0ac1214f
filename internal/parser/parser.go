package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

// KnotsToKmh converts speed over ground from knots to km/h
const KnotsToKmh = 1.852

var (
	// ErrNoFix is returned for RMC sentences flagged void (status V)
	ErrNoFix = errors.New("receiver reports no fix")
	// ErrChecksum is returned when the sentence checksum does not match
	ErrChecksum = errors.New("checksum mismatch")
)

// SentenceType returns the sentence identifier without talker, e.g. "RMC" for "$GNRMC,..."
func SentenceType(line string) string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") || len(line) < 6 {
		return ""
	}
	head := line[1:]
	if i := strings.IndexByte(head, ','); i >= 0 {
		head = head[:i]
	}
	if len(head) < 5 {
		return ""
	}
	return head[2:]
}

// ParseSentence parses an NMEA line into a sample. Sentences other than RMC
// carry no speed and return nil without error.
func ParseSentence(line string, received time.Time) (*types.Sample, error) {
	if SentenceType(line) != "RMC" {
		return nil, nil
	}
	return ParseRMC(line, received)
}

// ParseRMC parses a recommended-minimum sentence ($GPRMC, $GNRMC, ...)
func ParseRMC(line string, received time.Time) (*types.Sample, error) {
	body, err := verifyChecksum(strings.TrimSpace(line))
	if err != nil {
		return nil, err
	}

	// $xxRMC,time,status,lat,N/S,lon,E/W,speed,course,date,...
	fields := strings.Split(body, ",")
	if len(fields) < 10 {
		return nil, fmt.Errorf("invalid RMC sentence: expected at least 10 fields, got %d", len(fields))
	}
	if !strings.HasSuffix(fields[0], "RMC") {
		return nil, fmt.Errorf("not an RMC sentence: %s", fields[0])
	}
	if fields[2] != "A" {
		return nil, ErrNoFix
	}

	sample := &types.Sample{Timestamp: fixTime(fields[1], fields[9], received)}

	lat, err := ParseCoord(fields[3], fields[4])
	if err != nil {
		return nil, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := ParseCoord(fields[5], fields[6])
	if err != nil {
		return nil, fmt.Errorf("invalid longitude: %w", err)
	}
	sample.Latitude = &lat
	sample.Longitude = &lon

	if fields[7] != "" {
		knots, err := strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid speed: %w", err)
		}
		kmh := knots * KnotsToKmh
		sample.SpeedKmh = &kmh
	}

	return sample, nil
}

// ParseCoord converts an NMEA ddmm.mmmm / dddmm.mmmm value to decimal degrees
func ParseCoord(value, dir string) (float64, error) {
	var degDigits int
	switch dir {
	case "N", "S":
		degDigits = 2
	case "E", "W":
		degDigits = 3
	default:
		return 0, fmt.Errorf("invalid hemisphere %q", dir)
	}
	if len(value) < degDigits+2 {
		return 0, fmt.Errorf("coordinate %q too short", value)
	}

	deg, err := strconv.ParseFloat(value[:degDigits], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(value[degDigits:], 64)
	if err != nil {
		return 0, err
	}
	if minutes >= 60 {
		return 0, fmt.Errorf("minutes out of range in %q", value)
	}

	dec := deg + minutes/60.0
	if dir == "S" || dir == "W" {
		dec = -dec
	}
	return dec, nil
}

// verifyChecksum strips the leading '$' and trailing '*hh' and validates the
// checksum when present.
func verifyChecksum(line string) (string, error) {
	if !strings.HasPrefix(line, "$") {
		return "", fmt.Errorf("invalid sentence: missing '$'")
	}
	body := line[1:]
	star := strings.LastIndexByte(body, '*')
	if star < 0 {
		return body, nil
	}

	want, err := strconv.ParseUint(body[star+1:], 16, 8)
	if err != nil {
		return "", fmt.Errorf("invalid checksum %q: %w", body[star+1:], err)
	}
	body = body[:star]

	if got := Checksum(body); got != fmt.Sprintf("%02X", want) {
		return "", fmt.Errorf("%w: got %s, want %02X", ErrChecksum, got, want)
	}
	return body, nil
}

// Checksum returns the two-digit hex checksum for an NMEA sentence body
// (the text between '$' and '*').
func Checksum(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("%02X", sum)
}

func fixTime(hms, dmy string, fallback time.Time) time.Time {
	if len(hms) < 6 || len(dmy) != 6 {
		return fallback
	}
	t, err := time.ParseInLocation("020106150405", dmy+hms[:6], time.UTC)
	if err != nil {
		return fallback
	}
	if len(hms) > 7 && hms[6] == '.' {
		if frac, err := strconv.ParseFloat("0"+hms[6:], 64); err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return t
}
