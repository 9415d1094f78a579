package proposal

import (
	"strings"
	"unicode"
)

// SplitLocation breaks a combined "street, city, country" string into its
// parts. Extra leading segments stay with the street address. Two segments
// read as "street, city" when the first carries a street number and as
// "city, country" otherwise.
func SplitLocation(location string) (address, city, country string) {
	parts := make([]string, 0)
	for _, part := range strings.Split(location, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return parts[0], "", ""
	case 2:
		if hasDigit(parts[0]) {
			return parts[0], parts[1], ""
		}
		return "", parts[0], parts[1]
	default:
		n := len(parts)
		return strings.Join(parts[:n-2], ", "), parts[n-2], parts[n-1]
	}
}

// JoinLocation is the inverse of SplitLocation.
func JoinLocation(address, city, country string) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{address, city, country} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, ", ")
}

// resolvePlace fills empty address parts from the combined location and keeps
// the combined location in sync. Explicit parts always win.
func resolvePlace(location, address, city, country string) (string, string, string, string) {
	location = strings.TrimSpace(location)
	address = strings.TrimSpace(address)
	city = strings.TrimSpace(city)
	country = strings.TrimSpace(country)

	if location != "" {
		splitAddress, splitCity, splitCountry := SplitLocation(location)
		address = firstNonBlank(address, splitAddress)
		city = firstNonBlank(city, splitCity)
		country = firstNonBlank(country, splitCountry)
	}
	if location == "" {
		location = JoinLocation(address, city, country)
	}
	return location, address, city, country
}

func hasDigit(value string) bool {
	return strings.IndexFunc(value, unicode.IsDigit) >= 0
}

func firstNonBlank(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
