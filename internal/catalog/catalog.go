// Package catalog holds the compiled-in datasets: the default intent
// vocabulary every tenant starts from (intentions, keyword patterns,
// example utterances, service keywords), the global system keywords,
// and the demo tenants loaded on boot when SEED_DEMO is on.
//
// All matcher-facing text is stored pre-normalized (lowercase, no
// accent marks, canonical synonyms) because matching runs after the
// normalizer. User-facing strings keep their accents.
package catalog

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// Seed bundles everything needed to provision one tenant.
type Seed struct {
	Company         models.Company
	Products        []models.Product
	Intentions      []models.Intention
	Patterns        []models.KeywordPattern
	Examples        []models.IntentExample
	ServiceKeywords []models.ServiceKeyword
}

// ── Default intent vocabulary ───────────────────────────────────────

type patternSeed struct {
	pattern string
	weight  float64
	mode    models.MatchMode
}

type intentSeed struct {
	name     string
	priority int
	patterns []patternSeed
	examples []string
}

// intentSeeds is tuned so the clear verbs decide in Tier 1 (score >=
// 0.85 with margin) while softer signals stay under the threshold and
// fall through to the similarity examples.
var intentSeeds = []intentSeed{
	{
		name: "reservar", priority: 10,
		patterns: []patternSeed{
			{"reservar", 1.0, models.MatchExact},
			{"reserva", 0.9, models.MatchContains},
			{"cita", 0.85, models.MatchExact},
			{"pedido", 0.85, models.MatchExact},
			{"pedir", 0.85, models.MatchExact},
			{"domicilio", 0.8, models.MatchExact},
			{"mesa", 0.8, models.MatchExact},
		},
		examples: []string{
			"quiero reservar una mesa",
			"quiero hacer una reserva",
			"me gustaria reservar para manana",
			"quiero pedir a domicilio",
			"necesito una cita para manana",
			"quiero una mesa para cuatro personas",
			"me agendas para el viernes",
		},
	},
	{
		name: "cancelar", priority: 8,
		patterns: []patternSeed{
			{"cancelar", 1.0, models.MatchExact},
			{"cancela", 0.9, models.MatchContains},
			{"ya no quiero", 1.0, models.MatchExact},
			{"anular", 0.95, models.MatchExact},
			{"anula", 0.9, models.MatchContains},
		},
		examples: []string{
			"quiero cancelar mi reserva",
			"ya no quiero mi pedido",
			"necesito cancelar la cita",
			"cancela mi reserva por favor",
			"no voy a poder ir",
		},
	},
	{
		name: "consultar", priority: 5,
		patterns: []patternSeed{
			{"cuanto cuesta", 0.95, models.MatchExact},
			{"cuanto vale", 0.95, models.MatchExact},
			{"precio", 0.85, models.MatchContains},
			{"horario", 0.9, models.MatchContains},
			{"menu", 0.9, models.MatchExact},
			{"carta", 0.8, models.MatchExact},
			{"servicios", 0.85, models.MatchExact},
			{"abren", 0.85, models.MatchContains},
			{"cierran", 0.85, models.MatchContains},
			{"disponibilidad", 0.8, models.MatchContains},
		},
		examples: []string{
			"cuanto cuesta el servicio",
			"que precios tienen",
			"cual es el horario de atencion",
			"que servicios ofrecen",
			"hasta que hora abren",
			"me muestras el menu",
			"tienen servicio a domicilio",
		},
	},
	{
		name: "saludar", priority: 2,
		patterns: []patternSeed{
			{"hola", 1.0, models.MatchExact},
			{"buenos dias", 1.0, models.MatchExact},
			{"buenas tardes", 1.0, models.MatchExact},
			{"buenas noches", 1.0, models.MatchExact},
			{"buenas", 0.9, models.MatchExact},
			{"que tal", 0.9, models.MatchExact},
			{"saludos", 0.9, models.MatchExact},
		},
		examples: []string{
			"hola buenos dias",
			"hola como estas",
			"buenas tardes",
		},
	},
	{
		name: "despedida", priority: 2,
		patterns: []patternSeed{
			{"adios", 1.0, models.MatchExact},
			{"hasta luego", 1.0, models.MatchExact},
			{"hasta pronto", 0.95, models.MatchExact},
			{"nos vemos", 0.9, models.MatchExact},
			{"eso es todo", 0.9, models.MatchExact},
			{"gracias", 0.75, models.MatchExact},
		},
		examples: []string{
			"muchas gracias hasta luego",
			"eso es todo gracias",
			"adios que estes bien",
			"listo gracias nos vemos",
		},
	},
	{
		name: "otro", priority: 1,
		patterns: []patternSeed{
			{"asesor", 0.9, models.MatchExact},
			{"humano", 0.9, models.MatchExact},
			{"queja", 0.85, models.MatchContains},
			{"reclamo", 0.85, models.MatchContains},
			{"factura", 0.7, models.MatchContains},
		},
		examples: []string{
			"quiero hablar con una persona",
			"me comunicas con un asesor",
			"tengo una queja del servicio",
			"necesito ayuda con mi factura",
		},
	},
}

// SystemKeywords returns the tenant-independent keywords merged into
// every company's Tier-1 view.
func SystemKeywords() []models.SystemKeyword {
	return []models.SystemKeyword{
		{ID: "sys-otro-asesor", Category: "otro", Keyword: "asesor", Weight: 0.9, Mode: models.MatchExact, Language: "es"},
		{ID: "sys-otro-humano", Category: "otro", Keyword: "humano", Weight: 0.9, Mode: models.MatchExact, Language: "es"},
		{ID: "sys-otro-operador", Category: "otro", Keyword: "operador", Weight: 0.85, Mode: models.MatchExact, Language: "es"},
		{ID: "sys-otro-emergencia", Category: "otro", Keyword: "emergencia", Weight: 0.95, Mode: models.MatchExact, Language: "es"},
	}
}

// DefaultIntentions stamps the default vocabulary for a new company.
func DefaultIntentions(companyID string) ([]models.Intention, []models.KeywordPattern, []models.IntentExample) {
	return materializeIntents(companyID, func(...string) string { return uuid.New().String() })
}

// DefaultServiceKeywords stamps the default service-key triggers for a
// new company.
func DefaultServiceKeywords(companyID string) []models.ServiceKeyword {
	return materializeServiceKeywords(companyID, func(...string) string { return uuid.New().String() })
}

type idFunc func(parts ...string) string

func demoID(prefix string) idFunc {
	return func(parts ...string) string {
		id := prefix
		for _, p := range parts {
			id += "-" + p
		}
		return id
	}
}

func materializeIntents(companyID string, id idFunc) ([]models.Intention, []models.KeywordPattern, []models.IntentExample) {
	now := time.Now().UTC()

	intentions := make([]models.Intention, 0, len(intentSeeds))
	var patterns []models.KeywordPattern
	var examples []models.IntentExample

	for _, seed := range intentSeeds {
		intentionID := id("int", seed.name)
		intentions = append(intentions, models.Intention{
			ID:        intentionID,
			CompanyID: companyID,
			Name:      seed.name,
			Priority:  seed.priority,
			CreatedAt: now,
		})
		for i, p := range seed.patterns {
			patterns = append(patterns, models.KeywordPattern{
				ID:          id("pat", seed.name, strconv.Itoa(i)),
				IntentionID: intentionID,
				Pattern:     p.pattern,
				Weight:      p.weight,
				Mode:        p.mode,
			})
		}
		for i, text := range seed.examples {
			examples = append(examples, models.IntentExample{
				ID:          id("ex", seed.name, strconv.Itoa(i)),
				IntentionID: intentionID,
				Text:        text,
			})
		}
	}
	return intentions, patterns, examples
}

var serviceKeywordSeeds = []models.ServiceKeyword{
	{ServiceKey: models.ServiceMesa, Keyword: "mesa", Weight: 1.0, Mode: models.MatchExact},
	{ServiceKey: models.ServiceMesa, Keyword: "terraza", Weight: 0.8, Mode: models.MatchExact},
	{ServiceKey: models.ServiceDomicilio, Keyword: "domicilio", Weight: 1.0, Mode: models.MatchExact},
	{ServiceKey: models.ServiceDomicilio, Keyword: "entrega", Weight: 0.85, Mode: models.MatchExact},
	{ServiceKey: models.ServiceDomicilio, Keyword: "envio", Weight: 0.8, Mode: models.MatchExact},
	{ServiceKey: models.ServiceDomicilio, Keyword: "pedido", Weight: 0.8, Mode: models.MatchExact},
	{ServiceKey: models.ServiceCita, Keyword: "cita", Weight: 1.0, Mode: models.MatchExact},
	{ServiceKey: models.ServiceCita, Keyword: "consulta", Weight: 0.85, Mode: models.MatchExact},
	{ServiceKey: models.ServiceCita, Keyword: "turno", Weight: 0.8, Mode: models.MatchExact},
}

func materializeServiceKeywords(companyID string, id idFunc) []models.ServiceKeyword {
	out := make([]models.ServiceKeyword, 0, len(serviceKeywordSeeds))
	for i, s := range serviceKeywordSeeds {
		s.ID = id("svckw", strconv.Itoa(i))
		s.CompanyID = companyID
		out = append(out, s)
	}
	return out
}

// ── Demo tenants ────────────────────────────────────────────────────

func money(units int64) decimal.Decimal { return decimal.NewFromInt(units) }

func allWeek(open, close string) models.BusinessHours {
	hours := make(models.BusinessHours, 7)
	for _, d := range []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"} {
		hours[d] = models.DayHours{Open: open, Close: close}
	}
	return hours
}

// DemoRestaurant is "La Parrilla del Centro": dine-in plus paid
// delivery, a small menu with tracked stock.
func DemoRestaurant() *Seed {
	const companyID = "demo-restaurant"
	now := time.Now().UTC()
	id := demoID("demo-rest")

	seed := &Seed{
		Company: models.Company{
			ID:       companyID,
			Name:     "La Parrilla del Centro",
			Type:     models.CompanyRestaurant,
			Timezone: "America/Bogota",
			Hours:    allWeek("12:00", "22:00"),
			Payment:  models.PaymentPolicy{Enabled: false},
			Config: models.CompanyConfig{
				DeliveryFee: money(5000),
				Currency:    "COP",
			},
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Products: []models.Product{
			{ID: id("svc", "mesa"), CompanyID: companyID, Name: "Reserva de mesa",
				Category: models.CategoryService, DurationMn: 120, Active: true,
				Meta:      models.ServiceMeta{ServiceKey: models.ServiceMesa},
				CreatedAt: now, UpdatedAt: now},
			{ID: id("svc", "domicilio"), CompanyID: companyID, Name: "Pedido a domicilio",
				Category: models.CategoryService, Active: true,
				Meta: models.ServiceMeta{
					ServiceKey:       models.ServiceDomicilio,
					RequiresProducts: true,
					RequiresPayment:  true,
				},
				CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "pizza-margherita"), CompanyID: companyID, Name: "Pizza Margherita",
				Category: "comida", Price: money(35000),
				HasStock: true, Stock: 20, MinStock: 5,
				Keywords:  []string{"pizza", "margherita"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "pizza-hawaiana"), CompanyID: companyID, Name: "Pizza Hawaiana",
				Category: "comida", Price: money(38000),
				HasStock: true, Stock: 15, MinStock: 5,
				Keywords:  []string{"pizza", "hawaiana"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "hamburguesa"), CompanyID: companyID, Name: "Hamburguesa Clásica",
				Category: "comida", Price: money(25000),
				HasStock: true, Stock: 30, MinStock: 10,
				Keywords:  []string{"hamburguesa"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "coca-cola"), CompanyID: companyID, Name: "Coca Cola 400ml",
				Category: "bebida", Price: money(5000),
				HasStock: true, Stock: 100, MinStock: 24,
				Keywords:  []string{"coca", "cola", "gaseosa"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "limonada"), CompanyID: companyID, Name: "Limonada Natural",
				Category: "bebida", Price: money(6000),
				Keywords:  []string{"limonada"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
		},
		ServiceKeywords: materializeServiceKeywords(companyID, id),
	}
	seed.Intentions, seed.Patterns, seed.Examples = materializeIntents(companyID, id)
	return seed
}

// DemoClinic is "Clínica Dental Sonríe": appointments with a treatment
// pick and 100% upfront payment.
func DemoClinic() *Seed {
	const companyID = "demo-clinic"
	now := time.Now().UTC()
	id := demoID("demo-clinic")

	hours := models.BusinessHours{
		"monday":    {Open: "08:00", Close: "18:00"},
		"tuesday":   {Open: "08:00", Close: "18:00"},
		"wednesday": {Open: "08:00", Close: "18:00"},
		"thursday":  {Open: "08:00", Close: "18:00"},
		"friday":    {Open: "08:00", Close: "18:00"},
		"saturday":  {Open: "08:00", Close: "13:00"},
		"sunday":    {Closed: true},
	}

	seed := &Seed{
		Company: models.Company{
			ID:       companyID,
			Name:     "Clínica Dental Sonríe",
			Type:     models.CompanyClinic,
			Timezone: "America/Bogota",
			Hours:    hours,
			Payment:  models.PaymentPolicy{Enabled: true, Percentage: 100},
			Config: models.CompanyConfig{
				Terminology: map[string]string{
					"person": "paciente",
					"people": "pacientes",
				},
				Currency: "COP",
			},
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Products: []models.Product{
			{ID: id("svc", "cita"), CompanyID: companyID, Name: "Cita odontológica",
				Category: models.CategoryService, DurationMn: 45, Active: true,
				Meta: models.ServiceMeta{
					ServiceKey:        models.ServiceCita,
					RequiresProducts:  true,
					MinAdvanceMinutes: 60,
					FieldLabels:       map[string]string{"products": "el tratamiento que necesitas"},
				},
				CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "limpieza"), CompanyID: companyID, Name: "Limpieza Dental",
				Category: "tratamiento", Price: money(80000), DurationMn: 45,
				Keywords:  []string{"limpieza"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "blanqueamiento"), CompanyID: companyID, Name: "Blanqueamiento",
				Category: "tratamiento", Price: money(250000), DurationMn: 60,
				Keywords:  []string{"blanqueamiento"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "ortodoncia"), CompanyID: companyID, Name: "Valoración de Ortodoncia",
				Category: "tratamiento", Price: money(50000), DurationMn: 30,
				Keywords:  []string{"ortodoncia", "valoracion", "brackets"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
			{ID: id("prod", "resina"), CompanyID: companyID, Name: "Calza en Resina",
				Category: "tratamiento", Price: money(120000), DurationMn: 40,
				Keywords:  []string{"calza", "resina", "caries"},
				Active:    true, CreatedAt: now, UpdatedAt: now},
		},
		ServiceKeywords: materializeServiceKeywords(companyID, id),
	}
	seed.Intentions, seed.Patterns, seed.Examples = materializeIntents(companyID, id)
	return seed
}

// DemoSeeds returns every demo tenant.
func DemoSeeds() []*Seed {
	return []*Seed{DemoRestaurant(), DemoClinic()}
}
