// Package hallucination catches recognizer output that does not correspond to
// anything spoken: subtitle credits, stock sign-offs, stuck repetitions and
// symbol runs.
package hallucination

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Marker prefixes fabricated text let through in debug mode.
const Marker = "[HALLUCINATION] "

const (
	RuleEmpty        = "empty"
	RuleSymbolRun    = "symbol_run"
	RuleLowDiversity = "low_diversity"
	RuleTooShort     = "too_short"
	RuleRepeated     = "repeated_word"
	RuleKnownPhrase  = "known_phrase"
	RuleNonAlnum     = "non_alphanumeric"
)

// Phrases that show up inside longer output: caption credits, video
// sign-offs and bracketed sound annotations.
var containedPhrases = []string{
	"sous-titres réalisés par",
	"sous-titrage st'",
	"sous-titrage société radio-canada",
	"sous-titres fait par",
	"amara.org",
	"merci d'avoir regardé",
	"merci de votre attention et à bientôt",
	"abonnez-vous",
	"n'oubliez pas de vous abonner",
	"thank you for watching",
	"thanks for watching",
	"please subscribe",
	"like and subscribe",
	"subtitles by",
	"transcribed by",
	"[musique]",
	"(musique)",
	"[music]",
	"(music)",
	"[applaudissements]",
	"[applause]",
	"(applause)",
	"[rires]",
	"[laughter]",
	"[silence]",
	"(silence)",
	"[bruit]",
	"[noise]",
	"♪",
}

// Filler utterances the recognizer emits on near-silence. Matched whole.
var exactPhrases = []string{
	"merci",
	"merci beaucoup",
	"merci à tous",
	"au revoir",
	"bonne soirée",
	"à bientôt",
	"thank you",
	"thank you very much",
	"thanks",
	"bye",
	"you",
	"okay",
	"sous-titrage",
}

// Verdict names the first rule that matched, if any.
type Verdict struct {
	Fabricated bool
	Rule       string
}

// Inspect runs every heuristic against text. It is pure: the same text always
// yields the same verdict.
func Inspect(text string) Verdict {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Verdict{true, RuleEmpty}
	}
	runes := []rune(trimmed)
	total := len(runes)

	if symbolDominates(runes) {
		return Verdict{true, RuleSymbolRun}
	}

	distinct := make(map[rune]struct{}, total)
	for _, r := range runes {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 5 || float64(len(distinct))/float64(total) < 0.10 {
		return Verdict{true, RuleLowDiversity}
	}

	words := strings.Fields(strings.ToLower(trimmed))
	if len(words) <= 2 && utf8.RuneCountInString(trimmed) < 15 {
		return Verdict{true, RuleTooShort}
	}
	if len(words) >= 2 && allSame(words) {
		return Verdict{true, RuleRepeated}
	}

	lower := strings.ToLower(trimmed)
	for _, p := range containedPhrases {
		if strings.Contains(lower, p) {
			return Verdict{true, RuleKnownPhrase}
		}
	}
	norm := normalize(lower)
	for _, p := range exactPhrases {
		if norm == p {
			return Verdict{true, RuleKnownPhrase}
		}
	}

	alnum := 0
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if float64(alnum)/float64(total) < 0.30 {
		return Verdict{true, RuleNonAlnum}
	}
	return Verdict{}
}

// LooksFabricated reports whether text is very likely a recognizer artifact.
func LooksFabricated(text string) bool {
	return Inspect(text).Fabricated
}

// Screen applies the filter to a backend result. Fabricated text is dropped
// (ok=false) unless debug is set, in which case it is passed through behind
// Marker with zero confidence.
func Screen(text string, confidence float64, debug bool) (string, float64, Verdict, bool) {
	v := Inspect(text)
	if !v.Fabricated {
		return strings.TrimSpace(text), confidence, v, true
	}
	if debug && v.Rule != RuleEmpty {
		return Marker + strings.TrimSpace(text), 0, v, true
	}
	return "", 0, v, false
}

func symbolDominates(runes []rune) bool {
	counts := make(map[rune]int)
	best := 0
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			continue
		}
		counts[r]++
		if counts[r] > best {
			best = counts[r]
		}
	}
	return best*2 > len(runes)
}

func allSame(words []string) bool {
	first := strings.Trim(words[0], ".,!?;:")
	for _, w := range words[1:] {
		if strings.Trim(w, ".,!?;:") != first {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return strings.Join(strings.Fields(s), " ")
}
