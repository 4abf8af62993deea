// Package normalizer cleans raw user text before intent classification
// and entity extraction. The pipeline is deterministic and idempotent:
// feeding its own output back through Normalize yields the same string.
package normalizer

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// minFuzzyLen is the shortest token considered for fuzzy correction.
	minFuzzyLen = 4
	// minFuzzyConfidence rejects corrections below 1 - distance/len.
	minFuzzyConfidence = 0.7
	// maxLearned bounds the in-process memo of fuzzy corrections.
	maxLearned = 2048
)

// CorrectionKind labels which pipeline stage produced a correction.
type CorrectionKind string

const (
	CorrectionTypo    CorrectionKind = "typo"
	CorrectionPhrase  CorrectionKind = "phrase"
	CorrectionSynonym CorrectionKind = "synonym"
	CorrectionFuzzy   CorrectionKind = "fuzzy"
)

// Correction records one replacement applied to the input.
type Correction struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Kind       CorrectionKind `json:"kind"`
	Confidence float64        `json:"confidence"`
}

// Normalizer holds the static lexicons plus the vocabulary used by the
// fuzzy corrector. Vocabulary grows at startup (and on catalog reloads)
// via AddVocabulary; learned corrections accumulate at runtime.
type Normalizer struct {
	typos    map[string]string
	phrases  [][2]string
	synonyms map[string]string

	mu        sync.RWMutex
	vocab     map[string]struct{}
	vocabList []string

	learnedMu sync.RWMutex
	learned   map[string]string
}

// New builds a Normalizer seeded with the static dictionaries.
func New() *Normalizer {
	n := &Normalizer{
		typos:    typoDictionary,
		phrases:  phraseTable,
		synonyms: synonymGroups,
		vocab:    make(map[string]struct{}, 512),
		learned:  make(map[string]string),
	}
	seed := make([]string, 0, len(baseVocabulary)+len(typoDictionary)+len(synonymGroups))
	seed = append(seed, baseVocabulary...)
	for _, v := range typoDictionary {
		seed = append(seed, strings.Fields(v)...)
	}
	for _, v := range synonymGroups {
		seed = append(seed, v)
	}
	n.AddVocabulary(seed...)
	return n
}

// AddVocabulary registers words as known so the fuzzy corrector treats
// them as targets instead of mistakes. Words are normalized to the same
// lowercase accent-free form tokens arrive in.
func (n *Normalizer) AddVocabulary(words ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := false
	for _, w := range words {
		for _, tok := range strings.Fields(stripMarks(strings.ToLower(w))) {
			if _, ok := n.vocab[tok]; ok {
				continue
			}
			n.vocab[tok] = struct{}{}
			n.vocabList = append(n.vocabList, tok)
			changed = true
		}
	}
	if changed {
		sort.Strings(n.vocabList)
	}
}

// Normalize runs the full pipeline over msg and returns the cleaned text
// together with every correction applied, in order.
func (n *Normalizer) Normalize(msg string) (string, []Correction) {
	var corrections []Correction

	text := scrubPunctuation(stripMarks(strings.ToLower(msg)))
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return "", nil
	}

	// ── Stage 2: token-wise typo dictionary ─────────────────────────
	replaced := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if rep, ok := n.typos[tok]; ok {
			corrections = append(corrections, Correction{From: tok, To: rep, Kind: CorrectionTypo, Confidence: 1})
			replaced = append(replaced, strings.Fields(rep)...)
			continue
		}
		replaced = append(replaced, tok)
	}

	// ── Stage 3: multi-word phrase table ────────────────────────────
	joined := " " + strings.Join(replaced, " ") + " "
	for _, pr := range n.phrases {
		from := " " + pr[0] + " "
		for strings.Contains(joined, from) {
			joined = strings.Replace(joined, from, " "+pr[1]+" ", 1)
			corrections = append(corrections, Correction{From: pr[0], To: pr[1], Kind: CorrectionPhrase, Confidence: 1})
		}
	}
	tokens = strings.Fields(joined)

	// ── Stage 4: synonym canonicalization ───────────────────────────
	for i, tok := range tokens {
		if canon, ok := n.synonyms[tok]; ok && canon != tok {
			corrections = append(corrections, Correction{From: tok, To: canon, Kind: CorrectionSynonym, Confidence: 1})
			tokens[i] = canon
		}
	}

	// ── Stage 5: fuzzy correction of unknown words ──────────────────
	for i, tok := range tokens {
		if !fuzzyEligible(tok) {
			continue
		}
		if n.known(tok) {
			continue
		}
		if rep, conf, ok := n.correct(tok); ok {
			corrections = append(corrections, Correction{From: tok, To: rep, Kind: CorrectionFuzzy, Confidence: conf})
			tokens[i] = rep
		}
	}

	return strings.Join(tokens, " "), corrections
}

func (n *Normalizer) known(tok string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.vocab[tok]
	return ok
}

// correct finds the closest vocabulary word within the edit-distance and
// confidence thresholds. Ties resolve to the lexicographically smallest
// candidate so results are stable across runs.
func (n *Normalizer) correct(tok string) (string, float64, bool) {
	n.learnedMu.RLock()
	memo, hit := n.learned[tok]
	n.learnedMu.RUnlock()
	if hit {
		return memo, confidence(tok, memo), true
	}

	length := len([]rune(tok))
	maxDist := int(math.Ceil(0.4 * float64(length)))

	n.mu.RLock()
	best, bestDist := "", maxDist+1
	for _, cand := range n.vocabList {
		if abs(len([]rune(cand))-length) > maxDist {
			continue
		}
		if d := levenshtein(tok, cand); d < bestDist {
			best, bestDist = cand, d
			if d == 1 {
				break
			}
		}
	}
	n.mu.RUnlock()

	if best == "" || bestDist > maxDist {
		return "", 0, false
	}
	conf := 1 - float64(bestDist)/float64(length)
	if conf < minFuzzyConfidence {
		return "", 0, false
	}

	n.learnedMu.Lock()
	if len(n.learned) < maxLearned {
		n.learned[tok] = best
	}
	n.learnedMu.Unlock()
	return best, conf, true
}

func confidence(tok, rep string) float64 {
	length := len([]rune(tok))
	if length == 0 {
		return 0
	}
	return 1 - float64(levenshtein(tok, rep))/float64(length)
}

// fuzzyEligible keeps digits, times, amounts and phone fragments out of
// the corrector. Only pure-letter tokens of minFuzzyLen+ runes qualify.
func fuzzyEligible(tok string) bool {
	rs := []rune(tok)
	if len(rs) < minFuzzyLen {
		return false
	}
	for _, r := range rs {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// ── Text scrubbing ──────────────────────────────────────────────────

var markStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// stripMarks removes combining marks after NFD decomposition, so "mañana"
// becomes "manana" and "miércoles" becomes "miercoles".
func stripMarks(s string) string {
	out, _, err := transform.String(markStripper, s)
	if err != nil {
		return s
	}
	return out
}

// scrubPunctuation replaces sentence punctuation with spaces while
// preserving characters that carry entity meaning: ':' in times, '$' and
// digit-grouping dots in amounts, '+' and '-' in phone numbers, inner
// dots in email addresses. A '.' or ',' survives only between two
// alphanumerics; sentence-final ones always go.
func scrubPunctuation(s string) string {
	rs := []rune(s)
	out := make([]rune, 0, len(rs))
	for i, r := range rs {
		switch r {
		case '!', '?', '¡', '¿', ';', '"', '\'', '(', ')', '[', ']', '«', '»':
			out = append(out, ' ')
		case '.':
			if i > 0 && i+1 < len(rs) && alnum(rs[i-1]) && alnum(rs[i+1]) {
				out = append(out, r)
			} else {
				out = append(out, ' ')
			}
		case ',':
			if i > 0 && i+1 < len(rs) && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]) {
				out = append(out, r)
			} else {
				out = append(out, ' ')
			}
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func alnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
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

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
