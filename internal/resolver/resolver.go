// Package resolver turns (company, service key) into the validator
// config and UX wording for that service: which fields the flow must
// collect, the labels used to ask for them, and the reservation noun.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// ValidatorConfig is what the field validator needs to judge a
// conversation's collected data.
type ValidatorConfig struct {
	Name             string   `json:"name"`
	Enabled          bool     `json:"enabled"`
	RequiresProducts bool     `json:"requiresProducts"`
	RequiresGuests   bool     `json:"requiresGuests"`
	RequiresTable    bool     `json:"requiresTable"`
	RequiresPayment  bool     `json:"requiresPayment"`
	RequiresAddress  bool     `json:"requiresAddress"`
	RequiredFields   []string `json:"requiredFields"`
}

// Resolved is the full answer for one (company, serviceKey) pair.
type Resolved struct {
	ServiceKey          string            `json:"serviceKey"`
	Config              ValidatorConfig   `json:"config"`
	FieldLabels         map[string]string `json:"fieldLabels"`
	HasMultipleServices bool              `json:"hasMultipleServices"`
	AvailableServices   []string          `json:"availableServices"`
	ReservationNoun     string            `json:"reservationNoun"`
}

// LoadFunc fetches the company's catalog; the resolver keeps only the
// service-variant records.
type LoadFunc func(ctx context.Context, companyID string) ([]models.Product, error)

// defaultLabels is the ask-for-this wording per collectable field.
// Variants override entries through their fieldLabels metadata.
var defaultLabels = map[string]string{
	"service":  "el servicio",
	"date":     "la fecha",
	"time":     "la hora",
	"guests":   "el número de personas",
	"products": "los productos",
	"address":  "la dirección de entrega",
	"phone":    "un número de teléfono de contacto",
	"name":     "tu nombre",
}

// typeProfile carries the tenant-type defaults the template bundles
// assume: whether a non-product service asks for a head count, and
// which service stands in when the tenant configured none.
type typeProfile struct {
	guestsByDefault bool
	fallbackService string
}

var typeProfiles = map[models.CompanyType]typeProfile{
	models.CompanyRestaurant: {guestsByDefault: true, fallbackService: models.ServiceMesa},
	models.CompanyClinic:     {guestsByDefault: false, fallbackService: models.ServiceCita},
	models.CompanySalon:      {guestsByDefault: false, fallbackService: models.ServiceCita},
	models.CompanySpa:        {guestsByDefault: false, fallbackService: models.ServiceCita},
	models.CompanyGeneric:    {guestsByDefault: false, fallbackService: models.ServiceMesa},
}

// Noun returns the user-facing word for the booking itself.
func Noun(serviceKey string) string {
	switch serviceKey {
	case models.ServiceDomicilio:
		return "pedido"
	case models.ServiceCita:
		return "cita"
	default:
		return "reserva"
	}
}

// Service resolves and caches per-(company, serviceKey) configs.
type Service struct {
	resolved *cache.Cache
}

func New() *Service {
	return &Service{resolved: cache.New(10*time.Minute, 5*time.Minute)}
}

// Invalidate drops every cached config for the company. Called
// alongside the keyword-cache invalidation on tenant config changes.
func (s *Service) Invalidate(companyID string) {
	prefix := companyID + ":"
	for key := range s.resolved.Items() {
		if strings.HasPrefix(key, prefix) {
			s.resolved.Delete(key)
		}
	}
}

// InvalidateAll drops every cached config.
func (s *Service) InvalidateAll() { s.resolved.Flush() }

// Resolve answers for the given service key. An empty key resolves to
// the single configured service when there is exactly one, and to a
// pick-a-service answer when there are several.
func (s *Service) Resolve(ctx context.Context, company *models.Company, serviceKey string, load LoadFunc) (*Resolved, error) {
	cacheKey := company.ID + ":" + serviceKey
	if hit, ok := s.resolved.Get(cacheKey); ok {
		return hit.(*Resolved), nil
	}

	catalog, err := load(ctx, company.ID)
	if err != nil {
		return nil, fmt.Errorf("resolver: load catalog for %s: %w", company.ID, err)
	}

	variants := make([]models.Product, 0, 4)
	available := make([]string, 0, 4)
	for _, p := range catalog {
		if !p.IsService() || p.Meta.ServiceKey == "" {
			continue
		}
		variants = append(variants, p)
		if p.Active {
			available = append(available, p.Meta.ServiceKey)
		}
	}
	sort.Strings(available)

	res := build(company, serviceKey, variants, available)
	s.resolved.SetDefault(cacheKey, res)
	return res, nil
}

func build(company *models.Company, serviceKey string, variants []models.Product, available []string) *Resolved {
	res := &Resolved{
		ServiceKey:          serviceKey,
		HasMultipleServices: len(available) > 1,
		AvailableServices:   available,
	}

	if serviceKey == "" {
		switch len(available) {
		case 1:
			serviceKey = available[0]
			res.ServiceKey = serviceKey
		case 0:
			serviceKey = profileFor(company.Type).fallbackService
			res.ServiceKey = serviceKey
		default:
			// the flow has to ask which service first
			res.ReservationNoun = Noun("")
			res.FieldLabels = labelsFor(nil)
			res.Config = ValidatorConfig{Enabled: true, RequiredFields: []string{"service"}}
			return res
		}
	}
	res.ReservationNoun = Noun(serviceKey)

	for i := range variants {
		v := &variants[i]
		if v.Meta.ServiceKey != serviceKey {
			continue
		}
		res.Config = configFromVariant(company, v)
		res.FieldLabels = labelsFor(v.Meta.FieldLabels)
		return res
	}

	// No variant record. Reserved keys get type defaults when the tenant
	// configured no services at all; anything else is not offered.
	if len(variants) == 0 && reservedKey(serviceKey) {
		res.Config = syntheticConfig(company, serviceKey)
		res.FieldLabels = labelsFor(nil)
		return res
	}

	res.Config = ValidatorConfig{Name: serviceKey, Enabled: false}
	res.FieldLabels = labelsFor(nil)
	return res
}

func configFromVariant(company *models.Company, v *models.Product) ValidatorConfig {
	cfg := ValidatorConfig{
		Name:             v.Name,
		Enabled:          v.Active,
		RequiresProducts: v.Meta.RequiresProducts,
		RequiresTable:    v.Meta.RequiresTable,
		RequiresAddress:  v.Meta.RequiresAddress,
		RequiresPayment:  v.Meta.RequiresPayment || company.Payment.Enabled,
	}
	if v.Meta.RequiresGuests != nil {
		cfg.RequiresGuests = *v.Meta.RequiresGuests
	} else {
		cfg.RequiresGuests = profileFor(company.Type).guestsByDefault && !cfg.RequiresProducts
	}
	if len(v.Meta.RequiredFields) > 0 {
		cfg.RequiredFields = append([]string(nil), v.Meta.RequiredFields...)
	} else {
		cfg.RequiredFields = requiredFieldsFor(cfg)
	}
	return cfg
}

func syntheticConfig(company *models.Company, serviceKey string) ValidatorConfig {
	cfg := ValidatorConfig{
		Name:            serviceKey,
		Enabled:         true,
		RequiresPayment: company.Payment.Enabled,
	}
	switch serviceKey {
	case models.ServiceDomicilio:
		cfg.RequiresProducts = true
	default:
		cfg.RequiresGuests = profileFor(company.Type).guestsByDefault
	}
	cfg.RequiredFields = requiredFieldsFor(cfg)
	return cfg
}

// requiredFieldsFor derives the ask list in the validator's canonical
// field order.
func requiredFieldsFor(cfg ValidatorConfig) []string {
	fields := []string{"date", "time"}
	if cfg.RequiresGuests {
		fields = append(fields, "guests")
	}
	if cfg.RequiresProducts {
		fields = append(fields, "products")
	}
	if cfg.RequiresAddress {
		fields = append(fields, "address")
	}
	return append(fields, "phone")
}

func labelsFor(overrides map[string]string) map[string]string {
	labels := make(map[string]string, len(defaultLabels))
	for k, v := range defaultLabels {
		labels[k] = v
	}
	for k, v := range overrides {
		labels[k] = v
	}
	return labels
}

func profileFor(t models.CompanyType) typeProfile {
	if p, ok := typeProfiles[t]; ok {
		return p
	}
	return typeProfiles[models.CompanyGeneric]
}

func reservedKey(key string) bool {
	switch key {
	case models.ServiceMesa, models.ServiceDomicilio, models.ServiceCita:
		return true
	}
	return false
}
