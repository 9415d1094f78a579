// Package schema reconciles the physical layout of the scheduled-entity tables
// with the logical columns the store writes. It runs once during bootstrap,
// after the SQL migrations, and records the outcome in a State.
package schema

// Column is a logical column a category table must expose.
type Column struct {
	Name string
	Type string
	// Default, when set, makes the column NOT NULL with this SQL literal.
	Default string
	// Legacy lists older column names to backfill from, first match wins.
	Legacy []string
}

// StatusEnum describes the typed status column of a category table.
type StatusEnum struct {
	Type    string
	Values  []string
	Default string
}

type Layout struct {
	Table   string
	Columns []Column
	Status  StatusEnum
}

var entityStatuses = []string{"scheduled", "confirmed", "canceled"}

func statusEnum(typeName string) StatusEnum {
	return StatusEnum{Type: typeName, Values: entityStatuses, Default: "scheduled"}
}

func text(name string, legacy ...string) Column {
	return Column{Name: name, Type: "TEXT", Default: "''", Legacy: legacy}
}

func timestamp(name string, legacy ...string) Column {
	return Column{Name: name, Type: "TIMESTAMPTZ", Legacy: legacy}
}

// Layouts is the ordered reconciliation list, one entry per category table.
var Layouts = []Layout{
	{
		Table: "flights",
		Columns: []Column{
			text("user_id", "created_by"),
			text("airline", "carrier"),
			text("flight_number", "flight_no"),
			text("departure_airport", "origin"),
			text("arrival_airport", "destination"),
			timestamp("departure_time", "departs_at"),
			timestamp("arrival_time", "arrives_at"),
			text("confirmation_code"),
		},
		Status: statusEnum("flight_status"),
	},
	{
		Table: "hotels",
		Columns: []Column{
			text("user_id", "created_by"),
			text("name", "hotel_name"),
			text("address"),
			text("city"),
			text("country"),
			timestamp("check_in", "check_in_date"),
			timestamp("check_out", "check_out_date"),
			text("confirmation_code"),
		},
		Status: statusEnum("hotel_status"),
	},
	{
		Table: "restaurants",
		Columns: []Column{
			text("user_id", "created_by"),
			text("name"),
			text("address"),
			text("city"),
			text("country"),
			timestamp("reservation_time", "reserved_at"),
			{Name: "party_size", Type: "INTEGER", Default: "0"},
		},
		Status: statusEnum("restaurant_status"),
	},
	{
		Table: "activities",
		Columns: []Column{
			text("user_id", "created_by"),
			text("name", "title"),
			text("location"),
			timestamp("start_time", "starts_at"),
			timestamp("end_time", "ends_at"),
			text("description", "notes"),
		},
		Status: statusEnum("activity_status"),
	},
}

// LayoutFor returns the layout of table.
func LayoutFor(table string) (Layout, bool) {
	for _, layout := range Layouts {
		if layout.Table == table {
			return layout, true
		}
	}
	return Layout{}, false
}
