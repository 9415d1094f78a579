package proposal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Details is the category-specific payload of a proposal. Exactly one
// implementation exists per Category.
type Details interface {
	Category() Category
	// Resolve returns a copy with whitespace trimmed and derived fields filled in.
	Resolve() Details
	requirements() []requirement
}

type requirement struct {
	label   string
	present bool
}

// Missing lists the labels of mandatory fields absent from the resolved
// details, in the category's declared order.
func Missing(d Details) []string {
	missing := make([]string, 0)
	for _, req := range d.Resolve().requirements() {
		if !req.present {
			missing = append(missing, req.label)
		}
	}
	return missing
}

// RequiredFields lists every mandatory field label for a category in declared order.
func RequiredFields(category Category) []string {
	d, err := Decode(category, nil)
	if err != nil {
		return nil
	}
	labels := make([]string, 0)
	for _, req := range d.requirements() {
		labels = append(labels, req.label)
	}
	return labels
}

// Decode parses raw JSON into the variant for category. Empty input yields a
// zero-valued variant.
func Decode(category Category, raw json.RawMessage) (Details, error) {
	var target Details
	switch category {
	case CategoryFlight:
		target = &FlightDetails{}
	case CategoryHotel:
		target = &HotelDetails{}
	case CategoryRestaurant:
		target = &RestaurantDetails{}
	case CategoryActivity:
		target = &ActivityDetails{}
	default:
		return nil, fmt.Errorf("unknown category %q", category)
	}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", category, err)
		}
	}
	switch d := target.(type) {
	case *FlightDetails:
		return *d, nil
	case *HotelDetails:
		return *d, nil
	case *RestaurantDetails:
		return *d, nil
	case *ActivityDetails:
		return *d, nil
	}
	return nil, fmt.Errorf("unknown category %q", category)
}

// Merge overlays the non-empty fields of override onto base. Both must be the
// same category.
func Merge(category Category, base, override json.RawMessage) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(bytes.TrimSpace(base)) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, fmt.Errorf("decode base details: %w", err)
		}
	}
	if len(bytes.TrimSpace(override)) > 0 {
		var patch map[string]any
		if err := json.Unmarshal(override, &patch); err != nil {
			return nil, fmt.Errorf("decode override details: %w", err)
		}
		for key, value := range patch {
			if value == nil {
				continue
			}
			if text, ok := value.(string); ok && strings.TrimSpace(text) == "" {
				continue
			}
			fields[key] = value
		}
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode merged details: %w", err)
	}
	if _, err := Decode(category, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

type FlightDetails struct {
	Airline          string `json:"airline,omitempty"`
	FlightNumber     string `json:"flightNumber,omitempty"`
	DepartureAirport string `json:"departureAirport,omitempty"`
	ArrivalAirport   string `json:"arrivalAirport,omitempty"`
	DepartureTime    *Time  `json:"departureTime,omitempty"`
	ArrivalTime      *Time  `json:"arrivalTime,omitempty"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
}

func (FlightDetails) Category() Category { return CategoryFlight }

func (d FlightDetails) Resolve() Details {
	d.Airline = strings.TrimSpace(d.Airline)
	d.FlightNumber = strings.ToUpper(strings.TrimSpace(d.FlightNumber))
	d.DepartureAirport = strings.ToUpper(strings.TrimSpace(d.DepartureAirport))
	d.ArrivalAirport = strings.ToUpper(strings.TrimSpace(d.ArrivalAirport))
	d.ConfirmationCode = strings.TrimSpace(d.ConfirmationCode)
	return d
}

func (d FlightDetails) requirements() []requirement {
	return []requirement{
		{"Airline", d.Airline != ""},
		{"Flight number", d.FlightNumber != ""},
		{"Departure airport", d.DepartureAirport != ""},
		{"Arrival airport", d.ArrivalAirport != ""},
		{"Departure time", d.DepartureTime.Std() != nil},
	}
}

type HotelDetails struct {
	Name             string `json:"name,omitempty"`
	Location         string `json:"location,omitempty"`
	Address          string `json:"address,omitempty"`
	City             string `json:"city,omitempty"`
	Country          string `json:"country,omitempty"`
	CheckIn          *Time  `json:"checkInDate,omitempty"`
	CheckOut         *Time  `json:"checkOutDate,omitempty"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
}

func (HotelDetails) Category() Category { return CategoryHotel }

func (d HotelDetails) Resolve() Details {
	d.Name = strings.TrimSpace(d.Name)
	d.ConfirmationCode = strings.TrimSpace(d.ConfirmationCode)
	d.Location, d.Address, d.City, d.Country = resolvePlace(d.Location, d.Address, d.City, d.Country)
	return d
}

func (d HotelDetails) requirements() []requirement {
	return []requirement{
		{"Name", d.Name != ""},
		{"Address", d.Address != ""},
		{"City", d.City != ""},
		{"Check-in date", d.CheckIn.Std() != nil},
	}
}

type RestaurantDetails struct {
	Name            string `json:"name,omitempty"`
	Location        string `json:"location,omitempty"`
	Address         string `json:"address,omitempty"`
	City            string `json:"city,omitempty"`
	Country         string `json:"country,omitempty"`
	ReservationTime *Time  `json:"reservationTime,omitempty"`
	PartySize       int    `json:"partySize,omitempty"`
}

func (RestaurantDetails) Category() Category { return CategoryRestaurant }

func (d RestaurantDetails) Resolve() Details {
	d.Name = strings.TrimSpace(d.Name)
	d.Location, d.Address, d.City, d.Country = resolvePlace(d.Location, d.Address, d.City, d.Country)
	if d.PartySize < 0 {
		d.PartySize = 0
	}
	return d
}

func (d RestaurantDetails) requirements() []requirement {
	return []requirement{
		{"Name", d.Name != ""},
		{"Address", d.Address != ""},
		{"Reservation time", d.ReservationTime.Std() != nil},
	}
}

type ActivityDetails struct {
	Name        string `json:"name,omitempty"`
	Location    string `json:"location,omitempty"`
	StartTime   *Time  `json:"startTime,omitempty"`
	EndTime     *Time  `json:"endTime,omitempty"`
	Description string `json:"description,omitempty"`
}

func (ActivityDetails) Category() Category { return CategoryActivity }

func (d ActivityDetails) Resolve() Details {
	d.Name = strings.TrimSpace(d.Name)
	d.Location = strings.TrimSpace(d.Location)
	d.Description = strings.TrimSpace(d.Description)
	return d
}

func (d ActivityDetails) requirements() []requirement {
	return []requirement{
		{"Name", d.Name != ""},
		{"Start time", d.StartTime.Std() != nil},
	}
}

// Time accepts RFC 3339 timestamps as well as bare YYYY-MM-DD dates.
type Time struct {
	time.Time
}

const dateLayout = "2006-01-02"

func (t *Time) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("time must be a string: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return fmt.Errorf("invalid time %q", raw)
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// Std returns the wrapped time, or nil for an unset value.
func (t *Time) Std() *time.Time {
	if t == nil || t.Time.IsZero() {
		return nil
	}
	value := t.Time
	return &value
}
