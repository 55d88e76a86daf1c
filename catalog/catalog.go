package catalog

import (
	"fmt"
	"strings"
)

// Catalog describes the business the line answers for and what it can book.
type Catalog struct {
	CompanyName string
	Services    []string
	TimeSlots   []string
}

var defaultServices = []string{"clean", "garden", "repair"}

var defaultTimeSlots = []string{"tomorrow morning", "tomorrow afternoon", "tomorrow evening"}

// Default returns the catalog used when nothing is configured.
func Default() *Catalog {
	return New("Harbour Home Services", nil, nil)
}

// New builds a catalog, falling back to defaults for empty lists.
// Entries are trimmed and lower-cased; blanks are dropped.
func New(company string, services, slots []string) *Catalog {
	c := &Catalog{
		CompanyName: strings.TrimSpace(company),
		Services:    normalize(services),
		TimeSlots:   normalize(slots),
	}
	if c.CompanyName == "" {
		c.CompanyName = "Harbour Home Services"
	}
	if len(c.Services) == 0 {
		c.Services = append([]string(nil), defaultServices...)
	}
	if len(c.TimeSlots) == 0 {
		c.TimeSlots = append([]string(nil), defaultTimeSlots...)
	}
	return c
}

// OffersService reports whether v names a service in the catalog.
func (c *Catalog) OffersService(v string) bool {
	return contains(c.Services, v)
}

// OffersTime reports whether v names an offered time slot.
func (c *Catalog) OffersTime(v string) bool {
	return contains(c.TimeSlots, v)
}

// Describe renders the catalog for inclusion in model instructions.
func (c *Catalog) Describe() string {
	return fmt.Sprintf("Company: %s\nServices offered: %s\nTime slots offered: %s",
		c.CompanyName, strings.Join(c.Services, ", "), strings.Join(c.TimeSlots, ", "))
}

func contains(list []string, v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
