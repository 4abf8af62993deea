// Package validator judges collected conversation data against a
// resolved service config. Missing is total, pure and idempotent: same
// inputs, same answer, nothing mutated.
package validator

import (
	"strconv"
	"strings"
	"time"

	"github.com/cupobot/cupobot/engine/internal/resolver"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// canonicalOrder fixes the sequence missing fields are reported and
// therefore asked in.
var canonicalOrder = [...]string{
	"service", "date", "time", "guests", "products", "address", "phone", "name",
}

// Missing returns the required fields not yet present, in canonical
// order regardless of the config's own ordering.
func Missing(collected models.CollectedFields, cfg resolver.ValidatorConfig) []string {
	required := make(map[string]bool, len(cfg.RequiredFields))
	for _, f := range cfg.RequiredFields {
		required[f] = true
	}

	var missing []string
	for _, field := range canonicalOrder {
		if required[field] && !FieldPresent(collected, field) {
			missing = append(missing, field)
		}
	}
	return missing
}

// Complete reports whether every required field is present.
func Complete(collected models.CollectedFields, cfg resolver.ValidatorConfig) bool {
	return len(Missing(collected, cfg)) == 0
}

// FieldPresent reports whether the field holds a usable value: non-empty
// and shaped like its entity type. Unknown field names are never present.
func FieldPresent(collected models.CollectedFields, field string) bool {
	switch field {
	case "service":
		return collected.Service != ""
	case "date":
		return collected.Date != nil && ValidDate(*collected.Date)
	case "time":
		return ValidTime(collected.Time)
	case "guests":
		return collected.Guests > 0
	case "products":
		if len(collected.Products) == 0 {
			return false
		}
		for _, item := range collected.Products {
			if item.Name == "" || item.Quantity <= 0 {
				return false
			}
		}
		return true
	case "address":
		return strings.TrimSpace(collected.Address) != ""
	case "phone":
		return ValidPhone(collected.Phone)
	case "name":
		return strings.TrimSpace(collected.Name) != ""
	}
	return false
}

// ValidDate accepts dates that survive calendar normalization, so
// February 30th is rejected rather than silently rolled over.
func ValidDate(d models.CivilDate) bool {
	if d.IsZero() || d.Month < time.January || d.Month > time.December || d.Day < 1 {
		return false
	}
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	return t.Year() == d.Year && t.Month() == d.Month && t.Day() == d.Day
}

// ValidTime accepts a 24h "HH:MM" clock value.
func ValidTime(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return hour >= 0 && hour <= 23 && minute >= 0 && minute <= 59
}

// ValidPhone accepts 7 to 15 digits, ignoring formatting.
func ValidPhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}
