// Package templates renders user-facing copy. Each tenant type has a
// compiled-in bundle layered over a generic base; tenants adjust wording
// through their terminology table rather than by editing templates.
package templates

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

// base is the generic bundle every type falls back to.
var base = map[string]string{
	"greeting":             "¡Hola! Bienvenido a {{company}}. ¿En qué puedo ayudarte?",
	"greeting_returning":   "¡Hola de nuevo! Qué gusto verte por {{company}}. ¿En qué puedo ayudarte hoy?",
	"ask_service":          "¿Qué servicio deseas? Tenemos: {{services}}.",
	"ask_field":            "Para continuar con tu {{reservation}}, ¿me indicas {{field}}?",
	"confirmed":            "¡Listo! Tu {{reservation}} quedó confirmada para el {{date}} a las {{time}}.",
	"confirmed_guests":     "¡Listo! Tu {{reservation}} para {{guests}} {{person}} quedó confirmada para el {{date}} a las {{time}}.",
	"awaiting_payment":     "Tu {{reservation}} está casi lista. Para confirmarla realiza el pago aquí: {{url}}",
	"payment_approved":     "¡Pago recibido! Tu {{reservation}} quedó confirmada. ¡Te esperamos!",
	"payment_declined":     "El pago no fue aprobado y tu {{reservation}} no quedó confirmada. Puedes intentarlo de nuevo cuando quieras.",
	"payment_expired":      "El enlace de pago venció y tu {{reservation}} fue cancelada. Escríbenos si deseas intentarlo de nuevo.",
	"cancel_none":          "No encontré ninguna {{reservation}} activa a tu nombre.",
	"cancel_list":          "Estas son tus {{reservation}}s activas:\n{{options}}\nResponde con el número de la que deseas cancelar.",
	"cancel_confirm":       "¿Confirmas que deseas cancelar {{summary}}? Responde sí o no.",
	"cancel_done":          "Tu {{reservation}} fue cancelada. ¡Esperamos verte pronto!",
	"cancel_kept":          "Perfecto, tu {{reservation}} sigue en pie.",
	"farewell":             "¡Gracias por escribirnos! Que tengas un excelente día.",
	"not_understood":       "Disculpa, no te entendí. ¿Podrías decirlo de otra forma?",
	"still_thinking":       "Dame un momento, sigo con tu mensaje anterior...",
	"hours":                "Nuestro horario es:\n{{hours}}",
	"catalog":              "Esto es lo que ofrecemos:\n{{items}}",
	"stock_conflict":       "Lo siento, no nos quedan suficientes unidades de {{product}} en este momento.",
	"product_unknown":      "No encontré {{product}} entre nuestros productos. ¿Me confirmas el nombre?",
	"flow_error":           "Algo salió mal al confirmar tu {{reservation}}. ¿Intentamos de nuevo?",
	"retries_exhausted":    "No pude completar tu {{reservation}} después de varios intentos. Por favor inténtalo más tarde o comunícate directamente con nosotros.",
	"service_unavailable":  "Lo siento, por el momento no ofrecemos {{service_name}}.",
	"already_cancelled":    "Esa {{reservation}} ya estaba cancelada.",
	"cancel_not_allowed":   "Esa {{reservation}} ya no se puede cancelar por este medio. Comunícate directamente con nosotros.",
	"closed_that_day":      "Ese día no abrimos. ¿Te sirve otra fecha?",
	"outside_hours":        "A esa hora ya no atendemos. Nuestro horario de ese día es {{window}}. ¿Te sirve otra hora?",
	"error":                "Lo siento, algo salió mal procesando tu mensaje. Inténtalo de nuevo en un momento.",
}

// bundles holds per-type overrides; anything not listed falls back to base.
var bundles = map[models.CompanyType]map[string]string{
	models.CompanyRestaurant: {
		"greeting":         "¡Bienvenido a {{company}}! ¿Quieres reservar una mesa o hacer un pedido?",
		"confirmed_guests": "¡Listo! Mesa para {{guests}} {{person}} el {{date}} a las {{time}}. ¡Te esperamos en {{company}}!",
	},
	models.CompanyClinic: {
		"greeting":  "Bienvenido a {{company}}. ¿Deseas agendar una cita?",
		"confirmed": "Tu cita quedó agendada para el {{date}} a las {{time}}. Por favor llega 10 minutos antes.",
	},
	models.CompanySalon: {
		"greeting": "¡Hola! Gracias por escribir a {{company}}. ¿Te gustaría agendar una cita?",
	},
	models.CompanySpa: {
		"greeting": "Bienvenido a {{company}}, un espacio para desconectarte. ¿Deseas agendar una cita?",
	},
}

// Render substitutes {{var}} placeholders, then resolves the
// terminology tokens {{reservation}}, {{person}}, {{people}} and
// {{service}}. {{person}} pluralizes by the numeric value of
// vars["guests"]; {{reservation}} falls back to vars["noun"].
func Render(companyType models.CompanyType, key string, vars map[string]string, terminology map[string]string) string {
	tpl := lookup(companyType, key)
	if tpl == "" {
		return ""
	}

	for k, v := range vars {
		tpl = strings.ReplaceAll(tpl, "{{"+k+"}}", v)
	}

	person := wordOr(terminology, "person", "persona")
	people := wordOr(terminology, "people", "personas")
	singular := false
	if n, err := strconv.Atoi(vars["guests"]); err == nil && n == 1 {
		singular = true
	}
	if singular {
		tpl = strings.ReplaceAll(tpl, "{{person}}", person)
	} else {
		tpl = strings.ReplaceAll(tpl, "{{person}}", people)
	}
	tpl = strings.ReplaceAll(tpl, "{{people}}", people)

	reservation := wordOr(terminology, "reservation", "")
	if reservation == "" {
		reservation = vars["noun"]
	}
	if reservation == "" {
		reservation = "reserva"
	}
	tpl = strings.ReplaceAll(tpl, "{{reservation}}", reservation)

	return strings.ReplaceAll(tpl, "{{service}}", wordOr(terminology, "service", "servicio"))
}

// Has reports whether the key resolves to a template for the type.
func Has(companyType models.CompanyType, key string) bool {
	return lookup(companyType, key) != ""
}

func lookup(companyType models.CompanyType, key string) string {
	if b, ok := bundles[companyType]; ok {
		if tpl, ok := b[key]; ok {
			return tpl
		}
	}
	return base[key]
}

func wordOr(terminology map[string]string, key, fallback string) string {
	if w, ok := terminology[key]; ok && w != "" {
		return w
	}
	return fallback
}

// ── Spanish formatting helpers ──────────────────────────────────────

var weekdayNames = [...]string{
	"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado",
}

var monthNames = [...]string{
	"", "enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

// FormatDate renders a civil date the way replies spell it:
// "jueves 12 de marzo de 2026".
func FormatDate(d models.CivilDate) string {
	if d.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(weekdayNames[int(d.Weekday())])
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(d.Day))
	b.WriteString(" de ")
	b.WriteString(monthNames[int(d.Month)])
	b.WriteString(" de ")
	b.WriteString(strconv.Itoa(d.Year))
	return b.String()
}

// FormatMoney renders a COP amount with thousands dots: "$50.000".
func FormatMoney(amount decimal.Decimal) string {
	digits := amount.Round(0).String()
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
		if len(digits) > lead {
			b.WriteByte('.')
		}
	}
	for i := lead; i < len(digits); i += 3 {
		b.WriteString(digits[i : i+3])
		if i+3 < len(digits) {
			b.WriteByte('.')
		}
	}
	return b.String()
}
