// Package intent implements the first two classification tiers: a
// weighted keyword detector and an example-similarity matcher. Both work
// off a per-company compiled view of intentions, patterns and examples,
// cached until keywords change.
package intent

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cupobot/cupobot/engine/pkg/models"
)

const (
	factorExact    = 1.0
	factorContains = 0.9

	tier1Accept = 0.85
	tier1Margin = 0.10
	tier2Accept = 0.70

	maxCandidates = 3
)

// Layer names the classification tier that produced a decision.
type Layer string

const (
	LayerKeyword    Layer = "layer1"
	LayerSimilarity Layer = "layer2"
	LayerLLM        Layer = "layer3"
	LayerFallback   Layer = "fallback"
)

// Candidate is a scored intent forwarded between tiers.
type Candidate struct {
	Intent   models.Intent `json:"intent"`
	Score    float64       `json:"score"`
	Priority int           `json:"priority"`
}

// Decision is the outcome of a tier. When Decided is false, Candidates
// carries the leading intents for the next tier (and for the breaker
// fallback when the LLM is unavailable).
type Decision struct {
	Decided    bool          `json:"decided"`
	Intent     models.Intent `json:"intent,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Layer      Layer         `json:"layer,omitempty"`
	Candidates []Candidate   `json:"candidates,omitempty"`
}

// Data is the raw tenant classification material, loaded on cache miss.
type Data struct {
	Intentions []models.Intention
	Patterns   []models.KeywordPattern
	System     []models.SystemKeyword
	Examples   []models.IntentExample
}

// LoadFunc fetches Data for a company when the compiled view is absent.
type LoadFunc func(ctx context.Context) (Data, error)

// Service holds the compiled-view cache shared by both tiers.
type Service struct {
	compiled *cache.Cache
}

func New() *Service {
	return &Service{compiled: cache.New(10*time.Minute, 5*time.Minute)}
}

// Invalidate drops one company's compiled view.
func (s *Service) Invalidate(companyID string) {
	s.compiled.Delete(companyID)
}

// InvalidateAll drops every compiled view; the next message per company
// recompiles. Wired to cache.invalidate-all admin events.
func (s *Service) InvalidateAll() {
	s.compiled.Flush()
}

// ── Tier 1: weighted keywords ───────────────────────────────────────

// DetectKeywords scores every candidate intent as the max of
// weight×factor over its matching patterns. A best score >= 0.85 that
// leads the runner-up by >= 0.10 decides; anything else forwards the top
// candidates to Tier 2.
func (s *Service) DetectKeywords(ctx context.Context, companyID, text string, load LoadFunc) (Decision, error) {
	view, err := s.view(ctx, companyID, load)
	if err != nil {
		return Decision{}, err
	}

	tokens := strings.Fields(text)
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}
	padded := " " + text + " "

	scored := make([]Candidate, 0, len(view.intents))
	for _, in := range view.intents {
		score := 0.0
		for _, p := range in.patterns {
			var hit bool
			switch p.mode {
			case models.MatchExact:
				if strings.Contains(p.pattern, " ") {
					hit = strings.Contains(padded, " "+p.pattern+" ")
				} else {
					hit = tokenSet[p.pattern]
				}
				if hit && p.weight*factorExact > score {
					score = p.weight * factorExact
				}
			default: // contains: match starts on a token boundary
				hit = strings.Contains(padded, " "+p.pattern)
				if hit && p.weight*factorContains > score {
					score = p.weight * factorContains
				}
			}
		}
		if score > 0 {
			scored = append(scored, Candidate{Intent: in.name, Score: score, Priority: in.priority})
		}
	}
	sortCandidates(scored)

	if len(scored) > 0 && scored[0].Score >= tier1Accept &&
		(len(scored) == 1 || scored[0].Score-scored[1].Score >= tier1Margin) {
		return Decision{
			Decided:    true,
			Intent:     scored[0].Intent,
			Confidence: scored[0].Score,
			Layer:      LayerKeyword,
		}, nil
	}
	return Decision{Layer: LayerKeyword, Candidates: top(scored, maxCandidates)}, nil
}

// ── Tier 2: example similarity ──────────────────────────────────────

// MatchExamples compares the message against each intent's example
// utterances: composite = mean(Jaccard over token sets, 1-normalized
// edit distance), averaged again with the Tier-1 score when that tier
// forwarded the same intent. Accepts at >= 0.70; ties break by intent
// priority.
func (s *Service) MatchExamples(ctx context.Context, companyID, text string, prior []Candidate, load LoadFunc) (Decision, error) {
	view, err := s.view(ctx, companyID, load)
	if err != nil {
		return Decision{}, err
	}

	priorScore := make(map[models.Intent]float64, len(prior))
	for _, c := range prior {
		priorScore[c.Intent] = c.Score
	}

	msgTokens := tokenSet(strings.Fields(text))

	scored := make([]Candidate, 0, len(view.intents))
	for _, in := range view.intents {
		best := 0.0
		for _, ex := range in.examples {
			j := jaccard(msgTokens, ex.tokens)
			e := 1 - normalizedEditDistance(text, ex.text)
			if c := (j + e) / 2; c > best {
				best = c
			}
		}
		if best == 0 {
			continue
		}
		if p, ok := priorScore[in.name]; ok {
			best = (best + p) / 2
		}
		scored = append(scored, Candidate{Intent: in.name, Score: best, Priority: in.priority})
	}
	sortCandidates(scored)

	if len(scored) > 0 && scored[0].Score >= tier2Accept {
		return Decision{
			Decided:    true,
			Intent:     scored[0].Intent,
			Confidence: scored[0].Score,
			Layer:      LayerSimilarity,
		}, nil
	}

	// forward the stronger of both tiers' candidates for the LLM fallback
	merged := append(top(scored, maxCandidates), prior...)
	sortCandidates(merged)
	return Decision{Layer: LayerSimilarity, Candidates: top(dedupe(merged), maxCandidates)}, nil
}

// Classify chains tiers 1 and 2. Undecided results carry the merged
// candidate list for Tier 3.
func (s *Service) Classify(ctx context.Context, companyID, text string, load LoadFunc) (Decision, error) {
	d1, err := s.DetectKeywords(ctx, companyID, text, load)
	if err != nil || d1.Decided {
		return d1, err
	}
	return s.MatchExamples(ctx, companyID, text, d1.Candidates, load)
}

// ── Compiled view ───────────────────────────────────────────────────

type compiledPattern struct {
	pattern string
	weight  float64
	mode    models.MatchMode
}

type compiledExample struct {
	text   string
	tokens map[string]bool
}

type compiledIntent struct {
	name     models.Intent
	priority int
	patterns []compiledPattern
	examples []compiledExample
}

type companyView struct {
	intents []compiledIntent
}

func (s *Service) view(ctx context.Context, companyID string, load LoadFunc) (*companyView, error) {
	if v, ok := s.compiled.Get(companyID); ok {
		return v.(*companyView), nil
	}
	data, err := load(ctx)
	if err != nil {
		return nil, err
	}
	v := compile(data)
	s.compiled.SetDefault(companyID, v)
	return v, nil
}

func compile(data Data) *companyView {
	byName := make(map[models.Intent]*compiledIntent)
	order := make([]models.Intent, 0, len(data.Intentions))

	get := func(name models.Intent) *compiledIntent {
		if in, ok := byName[name]; ok {
			return in
		}
		in := &compiledIntent{name: name}
		byName[name] = in
		order = append(order, name)
		return in
	}

	byID := make(map[string]models.Intent, len(data.Intentions))
	for _, it := range data.Intentions {
		name := models.Intent(it.Name)
		byID[it.ID] = name
		in := get(name)
		in.priority = it.Priority
	}
	for _, p := range data.Patterns {
		name, ok := byID[p.IntentionID]
		if !ok {
			continue
		}
		get(name).patterns = append(get(name).patterns, compiledPattern{
			pattern: strings.ToLower(p.Pattern),
			weight:  p.Weight,
			mode:    p.Mode,
		})
	}
	for _, k := range data.System {
		get(models.Intent(k.Category)).patterns = append(get(models.Intent(k.Category)).patterns, compiledPattern{
			pattern: strings.ToLower(k.Keyword),
			weight:  k.Weight,
			mode:    k.Mode,
		})
	}
	for _, ex := range data.Examples {
		name, ok := byID[ex.IntentionID]
		if !ok {
			continue
		}
		text := strings.ToLower(ex.Text)
		get(name).examples = append(get(name).examples, compiledExample{
			text:   text,
			tokens: tokenSet(strings.Fields(text)),
		})
	}

	view := &companyView{intents: make([]compiledIntent, 0, len(order))}
	for _, name := range order {
		view.intents = append(view.intents, *byName[name])
	}
	return view
}

// ── Scoring helpers ─────────────────────────────────────────────────

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].Priority > cs[j].Priority
	})
}

func top(cs []Candidate, n int) []Candidate {
	if len(cs) > n {
		cs = cs[:n]
	}
	return cs
}

func dedupe(cs []Candidate) []Candidate {
	seen := make(map[models.Intent]bool, len(cs))
	out := cs[:0]
	for _, c := range cs {
		if seen[c.Intent] {
			continue
		}
		seen[c.Intent] = true
		out = append(out, c)
	}
	return out
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func normalizedEditDistance(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longer := la
	if lb > longer {
		longer = lb
	}
	if longer == 0 {
		return 0
	}
	return float64(levenshtein(a, b)) / float64(longer)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
