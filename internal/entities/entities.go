// Package entities extracts structured values (dates, times, quantities,
// phones, emails, amounts, durations) from normalized Spanish text.
// Detectors run from most to least specific and claim token spans, so an
// earlier match always wins over a later overlapping one.
package entities

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cupobot/cupobot/engine/internal/dateutil"
	"github.com/cupobot/cupobot/engine/pkg/models"
)

// Type labels an extracted entity.
type Type string

const (
	TypeDate     Type = "date"
	TypeTime     Type = "time"
	TypeQuantity Type = "quantity"
	TypePhone    Type = "phone"
	TypeEmail    Type = "email"
	TypeAmount   Type = "amount"
	TypeDuration Type = "duration"
)

// Entity is one extracted value. Value is the normalized form
// ("2026-03-13", "20:00", "+57 301 234 5678"); Span is the matched text
// as the user wrote it. The typed fields carry the parsed value for the
// matching Type.
type Entity struct {
	Type       Type              `json:"type"`
	Value      string            `json:"value"`
	Span       string            `json:"span"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Confidence float64           `json:"confidence"`
	Date       *models.CivilDate `json:"date,omitempty"`
	Number     int               `json:"number,omitempty"`
	Guests     bool              `json:"guests,omitempty"`
	Minutes    int               `json:"minutes,omitempty"`
	Amount     decimal.Decimal   `json:"amount"`
}

// Extractor scans normalized text. Date words resolve against the tenant
// timezone carried by the resolver.
type Extractor struct {
	days *dateutil.Resolver
}

func New(days *dateutil.Resolver) *Extractor {
	return &Extractor{days: days}
}

// Extract returns all entities found in msg, ordered by position. msg
// must already be normalized (lowercase, accent-free).
func (e *Extractor) Extract(msg string) []Entity {
	tokens := strings.Fields(msg)
	if len(tokens) == 0 {
		return nil
	}
	s := &scan{tokens: tokens, claimed: make([]bool, len(tokens))}

	e.scanEmails(s)
	e.scanPhones(s)
	e.scanAmounts(s)
	e.scanDates(s)
	e.scanTimes(s)
	e.scanDurations(s)
	e.scanQuantities(s)

	out := s.entities
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Start < out[j-1].Start; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

type scan struct {
	tokens   []string
	claimed  []bool
	entities []Entity
}

func (s *scan) free(i int) bool {
	return i >= 0 && i < len(s.tokens) && !s.claimed[i]
}

func (s *scan) tok(i int) string {
	if i < 0 || i >= len(s.tokens) {
		return ""
	}
	return s.tokens[i]
}

// emit claims tokens[start:end) and records the entity.
func (s *scan) emit(ent Entity, start, end int) {
	ent.Start, ent.End = start, end
	ent.Span = strings.Join(s.tokens[start:end], " ")
	for i := start; i < end; i++ {
		s.claimed[i] = true
	}
	s.entities = append(s.entities, ent)
}

// ── Emails ──────────────────────────────────────────────────────────

var emailPattern = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

func (e *Extractor) scanEmails(s *scan) {
	for i, tok := range s.tokens {
		if s.free(i) && emailPattern.MatchString(tok) {
			s.emit(Entity{Type: TypeEmail, Value: tok, Confidence: 0.95}, i, i+1)
		}
	}
}

// ── Phones ──────────────────────────────────────────────────────────

// scanPhones groups adjacent digit runs ("+57 301 234 5678",
// "3012345678", "301-234-5678") into one number of 7 to 15 digits.
// Groups need 3+ digits each so counts like "somos 4" never glue onto a
// neighboring number. Mobiles (10 digits starting with 3) normalize to
// +57 XXX XXX XXXX.
func (e *Extractor) scanPhones(s *scan) {
	i := 0
	for i < len(s.tokens) {
		if !s.free(i) || !phoneGroup(s.tokens[i], true) {
			i++
			continue
		}
		j := i
		digits := ""
		plus := strings.HasPrefix(s.tokens[i], "+")
		for j < len(s.tokens) && s.free(j) && phoneGroup(s.tokens[j], j == i) && len(digits) < 15 {
			digits += onlyDigits(s.tokens[j])
			j++
		}
		if value, conf, ok := normalizePhone(digits, plus); ok {
			s.emit(Entity{Type: TypePhone, Value: value, Confidence: conf}, i, j)
			i = j
			continue
		}
		i++
	}
}

func phoneGroup(tok string, first bool) bool {
	if tok == "" {
		return false
	}
	digits := 0
	for i, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0 && first:
		case r == '-':
		default:
			return false
		}
	}
	if first && strings.HasPrefix(tok, "+") {
		return digits >= 1
	}
	return digits >= 3
}

func onlyDigits(tok string) string {
	var b strings.Builder
	for _, r := range tok {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizePhone(digits string, plus bool) (string, float64, bool) {
	if plus && strings.HasPrefix(digits, "57") && len(digits) == 12 {
		digits = digits[2:]
	}
	switch {
	case len(digits) == 10 && digits[0] == '3':
		return fmt.Sprintf("+57 %s %s %s", digits[0:3], digits[3:6], digits[6:]), 0.95, true
	case len(digits) >= 7 && len(digits) <= 15:
		// landlines and foreign numbers pass through unformatted
		return digits, 0.85, true
	default:
		return "", 0, false
	}
}

// ── Amounts ─────────────────────────────────────────────────────────

var moneyDigits = regexp.MustCompile(`^\$?\d{1,3}(\.\d{3})*(,\d{1,2})?$|^\$?\d+(,\d{1,2})?$`)

// scanAmounts handles "$50.000", "50000 pesos", "50 mil", "2 millones".
// Dots group thousands, commas mark decimals; values are COP.
func (e *Extractor) scanAmounts(s *scan) {
	for i := 0; i < len(s.tokens); i++ {
		if !s.free(i) {
			continue
		}
		tok := s.tokens[i]
		hasDollar := strings.HasPrefix(tok, "$")
		if !moneyDigits.MatchString(tok) {
			continue
		}
		base, err := decimal.NewFromString(strings.NewReplacer("$", "", ".", "", ",", ".").Replace(tok))
		if err != nil {
			continue
		}

		end := i + 1
		mult := decimal.NewFromInt(1)
		conf := 0.0
		switch {
		case s.free(end) && s.tok(end) == "mil":
			mult = decimal.NewFromInt(1000)
			end++
			conf = 0.8
		case s.free(end) && (s.tok(end) == "millon" || s.tok(end) == "millones"):
			mult = decimal.NewFromInt(1_000_000)
			end++
			conf = 0.8
		}
		if s.free(end) && s.tok(end) == "de" && s.free(end+1) && s.tok(end+1) == "pesos" {
			end += 2
			conf = 0.9
		} else if s.free(end) && (s.tok(end) == "pesos" || s.tok(end) == "peso") {
			end++
			conf = 0.9
		}
		if hasDollar {
			conf = 0.95
		}
		if conf == 0 {
			continue // bare number with no money marker
		}

		value := base.Mul(mult)
		s.emit(Entity{Type: TypeAmount, Value: value.String(), Amount: value, Confidence: conf}, i, end)
		i = end - 1
	}
}

// ── Dates ───────────────────────────────────────────────────────────

var months = map[string]int{
	"enero": 1, "febrero": 2, "marzo": 3, "abril": 4, "mayo": 5, "junio": 6,
	"julio": 7, "agosto": 8, "septiembre": 9, "octubre": 10,
	"noviembre": 11, "diciembre": 12,
}

var weekdays = map[string]time.Weekday{
	"domingo": time.Sunday, "lunes": time.Monday, "martes": time.Tuesday,
	"miercoles": time.Wednesday, "jueves": time.Thursday,
	"viernes": time.Friday, "sabado": time.Saturday,
}

func (e *Extractor) scanDates(s *scan) {
	for i := 0; i < len(s.tokens); i++ {
		if !s.free(i) {
			continue
		}
		tok := s.tokens[i]

		// "pasado manana" before bare "manana"
		if tok == "pasado" && s.free(i+1) && s.tok(i+1) == "manana" {
			d := e.days.DayAfterTomorrow()
			s.emit(Entity{Type: TypeDate, Value: d.String(), Date: &d, Confidence: 0.95}, i, i+2)
			i++
			continue
		}

		switch tok {
		case "hoy":
			d := e.days.Today()
			s.emit(Entity{Type: TypeDate, Value: d.String(), Date: &d, Confidence: 0.95}, i, i+1)
			continue
		case "manana":
			// "de la manana" / "por la manana" is a time of day, not a date
			if s.tok(i-1) == "la" {
				continue
			}
			d := e.days.Tomorrow()
			s.emit(Entity{Type: TypeDate, Value: d.String(), Date: &d, Confidence: 0.9}, i, i+1)
			continue
		case "ayer":
			d := e.days.Yesterday()
			s.emit(Entity{Type: TypeDate, Value: d.String(), Date: &d, Confidence: 0.95}, i, i+1)
			continue
		}

		if wd, ok := weekdays[tok]; ok {
			d := e.days.NextWeekday(wd)
			s.emit(Entity{Type: TypeDate, Value: d.String(), Date: &d, Confidence: 0.9}, i, i+1)
			continue
		}

		// "D de MONTH [de YYYY]"
		if day, ok := dayNumber(tok); ok && s.free(i+1) && s.tok(i+1) == "de" {
			month, ok := months[s.tok(i+2)]
			if !ok || !s.free(i+2) {
				continue
			}
			end := i + 3
			year := e.days.Today().Year
			if s.free(end) && s.tok(end) == "de" {
				if y, err := strconv.Atoi(s.tok(end + 1)); err == nil && y >= 2000 && y <= 2199 && s.free(end+1) {
					year = y
					end += 2
				}
			} else if y, err := strconv.Atoi(s.tok(end)); err == nil && y >= 2000 && y <= 2199 && s.free(end) {
				year = y
				end++
			}
			if !validDay(year, month, day) {
				continue
			}
			d := models.CivilDate{Year: year, Month: time.Month(month), Day: day}
			s.emit(Entity{Type: TypeDate, Value: d.String(), Date: &d, Confidence: 0.95}, i, end)
			i = end - 1
		}
	}
}

func dayNumber(tok string) (int, bool) {
	if tok == "primero" {
		return 1, true
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 1 || n > 31 {
		return 0, false
	}
	return n, true
}

func validDay(year, month, day int) bool {
	if month < 1 || month > 12 {
		return false
	}
	lengths := [13]int{0, 31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	max := lengths[month]
	if month == 2 && (year%4 == 0 && (year%100 != 0 || year%400 == 0)) {
		max = 29
	}
	return day >= 1 && day <= max
}

// ── Times ───────────────────────────────────────────────────────────

var clockToken = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?(am|pm)?$`)

// scanTimes handles "8:30", "3pm", "a las 8 y media", "8 de la noche",
// "mediodia". Hours below 7 with no stated period read as PM.
func (e *Extractor) scanTimes(s *scan) {
	for i := 0; i < len(s.tokens); i++ {
		if !s.free(i) {
			continue
		}
		tok := s.tokens[i]

		if tok == "mediodia" {
			s.emit(Entity{Type: TypeTime, Value: "12:00", Confidence: 0.95}, i, i+1)
			continue
		}
		if tok == "medianoche" {
			s.emit(Entity{Type: TypeTime, Value: "00:00", Confidence: 0.95}, i, i+1)
			continue
		}

		hour, minute, period := -1, 0, ""
		anchored := false
		start, end := i, i+1

		if m := clockToken.FindStringSubmatch(tok); m != nil {
			h, _ := strconv.Atoi(m[1])
			if h > 23 {
				continue
			}
			hour = h
			if m[2] != "" {
				mm, _ := strconv.Atoi(m[2])
				if mm > 59 {
					continue
				}
				minute = mm
				anchored = true
			}
			period = m[3]
			if period != "" {
				anchored = true
			}
		} else if h, ok := spelledHour(tok); ok {
			hour = h
		} else {
			continue
		}

		// "a las 8" / "a la una" anchors a bare number as a time
		if s.tok(i-1) == "las" || s.tok(i-1) == "la" {
			anchored = true
			if s.free(i - 1) {
				start = i - 1
				if s.tok(i-2) == "a" && s.free(i-2) {
					start = i - 2
				}
			}
		}

		// modifiers: "y media", "y cuarto"
		if s.free(end) && s.tok(end) == "y" {
			switch s.tok(end + 1) {
			case "media":
				if s.free(end + 1) {
					minute = 30
					end += 2
					anchored = true
				}
			case "cuarto":
				if s.free(end + 1) {
					minute = 15
					end += 2
					anchored = true
				}
			}
		}

		// explicit period after the number
		switch {
		case s.free(end) && (s.tok(end) == "pm" || s.tok(end) == "am"):
			period = s.tok(end)
			end++
			anchored = true
		case s.free(end) && s.free(end+1) && s.tok(end) == "de" && s.tok(end+1) == "la":
			switch s.tok(end + 2) {
			case "manana":
				period = "am"
				end += 3
				anchored = true
			case "tarde", "noche":
				period = "pm"
				end += 3
				anchored = true
			}
		}

		if !anchored {
			continue // bare number with no time context
		}

		conf := 0.95
		switch period {
		case "pm":
			if hour < 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		default:
			if hour >= 1 && hour < 7 {
				hour += 12
				conf = 0.8
			}
		}

		s.emit(Entity{Type: TypeTime, Value: fmt.Sprintf("%02d:%02d", hour, minute), Confidence: conf}, start, end)
		i = end - 1
	}
}

func spelledHour(tok string) (int, bool) {
	n, ok := numberWords[tok]
	if !ok || n < 1 || n > 12 {
		return 0, false
	}
	return n, true
}

// ── Durations ───────────────────────────────────────────────────────

func (e *Extractor) scanDurations(s *scan) {
	for i := 0; i < len(s.tokens); i++ {
		if !s.free(i) {
			continue
		}
		tok := s.tokens[i]

		if tok == "media" && s.free(i+1) && s.tok(i+1) == "hora" {
			s.emit(Entity{Type: TypeDuration, Value: "30", Minutes: 30, Confidence: 0.9}, i, i+2)
			i++
			continue
		}
		if tok == "hora" && s.free(i+1) && s.free(i+2) && s.tok(i+1) == "y" && s.tok(i+2) == "media" {
			s.emit(Entity{Type: TypeDuration, Value: "90", Minutes: 90, Confidence: 0.9}, i, i+3)
			i += 2
			continue
		}

		n, ok := parseSmallNumber(tok)
		if !ok || !s.free(i+1) {
			continue
		}
		switch s.tok(i + 1) {
		case "hora", "horas":
			minutes := n * 60
			end := i + 2
			if s.free(end) && s.free(end+1) && s.tok(end) == "y" && s.tok(end+1) == "media" {
				minutes += 30
				end += 2
			}
			s.emit(Entity{Type: TypeDuration, Value: strconv.Itoa(minutes), Minutes: minutes, Confidence: 0.9}, i, end)
			i = end - 1
		case "minutos", "minuto", "min":
			s.emit(Entity{Type: TypeDuration, Value: strconv.Itoa(n), Minutes: n, Confidence: 0.9}, i, i+2)
			i++
		}
	}
}

// ── Quantities ──────────────────────────────────────────────────────

var personWords = map[string]bool{
	"persona": true, "personas": true, "comensales": true, "invitados": true,
	"gente": true, "puestos": true, "adultos": true, "ninos": true,
}

var quantityStop = map[string]bool{
	"de": true, "del": true, "la": true, "las": true, "el": true, "los": true,
	"que": true, "y": true, "o": true, "a": true, "en": true, "con": true,
	"para": true, "por": true, "mas": true, "pero": true,
}

// scanQuantities picks counting numbers 1..100 that sit next to something
// countable: person words mark guests, "para/somos/seremos N" leans
// guests, a following noun counts products.
func (e *Extractor) scanQuantities(s *scan) {
	for i := 0; i < len(s.tokens); i++ {
		if !s.free(i) {
			continue
		}
		n, ok := parseSmallNumber(s.tokens[i])
		if !ok || n < 1 || n > 100 {
			continue
		}

		next, prev := s.tok(i+1), s.tok(i-1)
		switch {
		case personWords[next] && s.free(i+1):
			s.emit(Entity{Type: TypeQuantity, Value: strconv.Itoa(n), Number: n, Guests: true, Confidence: 0.95}, i, i+2)
			i++
		case prev == "somos" || prev == "seremos":
			s.emit(Entity{Type: TypeQuantity, Value: strconv.Itoa(n), Number: n, Guests: true, Confidence: 0.9}, i, i+1)
		case prev == "para" && (next == "" || quantityStop[next] || !s.free(i+1)):
			// "para 4" with nothing countable after reads as party size
			s.emit(Entity{Type: TypeQuantity, Value: strconv.Itoa(n), Number: n, Guests: true, Confidence: 0.75}, i, i+1)
		case next != "" && s.free(i+1) && !quantityStop[next] && isWord(next):
			s.emit(Entity{Type: TypeQuantity, Value: strconv.Itoa(n), Number: n, Confidence: 0.8}, i, i+1)
		}
	}
}

func isWord(tok string) bool {
	for _, r := range tok {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return tok != ""
}

// ── Numbers ─────────────────────────────────────────────────────────

var numberWords = map[string]int{
	"un": 1, "uno": 1, "una": 1, "dos": 2, "tres": 3, "cuatro": 4,
	"cinco": 5, "seis": 6, "siete": 7, "ocho": 8, "nueve": 9, "diez": 10,
	"once": 11, "doce": 12, "trece": 13, "catorce": 14, "quince": 15,
	"dieciseis": 16, "diecisiete": 17, "dieciocho": 18, "diecinueve": 19,
	"veinte": 20, "treinta": 30, "cuarenta": 40, "cincuenta": 50, "cien": 100,
}

func parseSmallNumber(tok string) (int, bool) {
	if n, ok := numberWords[tok]; ok {
		return n, true
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, false
	}
	return n, true
}
