// ABOUTME: Similarity matcher for imported contacts
// ABOUTME: Scores records against local contacts by email, E.164 phone, and name/company edit distance
package sync

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/nyaruka/phonenumbers"
	"github.com/prokopsimek/pmcrm-sub000/models"
)

const (
	// FuzzyThreshold is the lowest fuzzy score treated as a match.
	FuzzyThreshold = 0.85
	// CompanyWeight is the company share of a blended score.
	CompanyWeight = 0.3

	// DefaultRegion is used to parse phone numbers without a country code.
	DefaultRegion = "US"

	scoreEpsilon   = 1e-9
	minPhoneDigits = 7
)

var nameTitles = map[string]bool{
	"mr":   true,
	"mrs":  true,
	"ms":   true,
	"dr":   true,
	"prof": true,
}

// Score is the outcome of comparing one record with one local contact.
type Score struct {
	Similarity    float64
	MatchType     models.MatchType
	MatchedFields []string
}

// Matched reports whether the score is a match at all.
func (s Score) Matched() bool {
	return s.MatchType != ""
}

// Matcher compares imported records with local contacts.
type Matcher struct {
	region string
}

// NewMatcher creates a matcher that parses local phone numbers in region.
func NewMatcher(region string) *Matcher {
	if region == "" {
		region = DefaultRegion
	}
	return &Matcher{region: strings.ToUpper(region)}
}

// Score compares target with candidate. Exact email or phone equality wins
// regardless of name; otherwise the name (and company, when both have one)
// edit-distance similarity decides.
func (m *Matcher) Score(target models.ContactRecord, candidate *models.LocalContact) Score {
	return m.score(m.keysForRecord(target), m.keysForContact(candidate))
}

// matchKeys holds the normalized comparison inputs of one side.
type matchKeys struct {
	email   string
	phone   string
	name    string
	company string
}

func (m *Matcher) keysForRecord(r models.ContactRecord) matchKeys {
	return matchKeys{
		email:   normalizeEmail(r.Email),
		phone:   m.NormalizePhone(r.Phone),
		name:    normalizeName(r.FullName()),
		company: normalizeCompany(r.Company),
	}
}

func (m *Matcher) keysForContact(c *models.LocalContact) matchKeys {
	return matchKeys{
		email:   normalizeEmail(c.Email),
		phone:   m.NormalizePhone(c.Phone),
		name:    normalizeName(c.FullName()),
		company: normalizeCompany(c.Company),
	}
}

func (m *Matcher) score(a, b matchKeys) Score {
	var exact []string
	if a.email != "" && a.email == b.email {
		exact = append(exact, "email")
	}
	if a.phone != "" && a.phone == b.phone {
		exact = append(exact, "phone")
	}
	if len(exact) > 0 {
		return Score{Similarity: 1.0, MatchType: models.MatchExact, MatchedFields: exact}
	}

	if a.name == "" || b.name == "" {
		return Score{}
	}

	blend := a.company != "" && b.company != ""
	if !blend && lengthBound(a.name, b.name)+scoreEpsilon < FuzzyThreshold {
		return Score{}
	}

	nameSim := Similarity(a.name, b.name)
	total := nameSim
	var companySim float64
	if blend {
		companySim = Similarity(a.company, b.company)
		total = (1-CompanyWeight)*nameSim + CompanyWeight*companySim
	}
	if !MeetsThreshold(total) {
		return Score{Similarity: total}
	}

	fields := []string{"name"}
	if blend && MeetsThreshold(companySim) {
		fields = append(fields, "company")
	}
	matchType := models.MatchFuzzy
	if a.name == b.name {
		matchType = models.MatchPotential
	}
	return Score{Similarity: total, MatchType: matchType, MatchedFields: fields}
}

// MeetsThreshold reports whether a fuzzy score is high enough to be a match.
// The epsilon absorbs float rounding so that a score of exactly 0.85 passes.
func MeetsThreshold(score float64) bool {
	return score+scoreEpsilon >= FuzzyThreshold
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes, clamped to [0,1].
// Inputs are expected to be normalized already.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1.0
	}
	sim := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	return min(max(sim, 0), 1)
}

// NameSimilarity normalizes two display names and compares them.
func NameSimilarity(a, b string) float64 {
	return Similarity(normalizeName(a), normalizeName(b))
}

// lengthBound is the best similarity two strings can reach given their lengths.
func lengthBound(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1.0
	}
	diff := la - lb
	if diff < 0 {
		diff = -diff
	}
	return 1 - float64(diff)/float64(longest)
}

// NormalizePhone returns the E.164 form of raw, falling back to its digits.
// Numbers with fewer than seven digits normalize to "".
func (m *Matcher) NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if num, err := phonenumbers.Parse(raw, m.region); err == nil && phonenumbers.IsPossibleNumber(num) {
		return phonenumbers.Format(num, phonenumbers.E164)
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < minPhoneDigits {
		return ""
	}
	return b.String()
}

// normalizeEmail converts email to lowercase for comparison.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizeName lowercases, strips punctuation and titles, and collapses whitespace.
func normalizeName(name string) string {
	tokens := strings.Fields(stripPunctuation(strings.ToLower(name)))
	kept := tokens[:0]
	for _, t := range tokens {
		if nameTitles[t] {
			continue
		}
		kept = append(kept, t)
	}
	return strings.Join(kept, " ")
}

func normalizeCompany(company string) string {
	return strings.Join(strings.Fields(stripPunctuation(strings.ToLower(company))), " ")
}

func stripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, s)
}
