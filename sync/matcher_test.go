// ABOUTME: Tests for the similarity matcher
// ABOUTME: Covers exact email/phone tiers, fuzzy thresholds, and name normalization
package sync

import (
	"testing"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/stretchr/testify/assert"
)

func TestScoreExactEmail(t *testing.T) {
	m := NewMatcher("US")
	s := m.Score(
		models.ContactRecord{FirstName: "Alice", Email: "Alice@Example.com"},
		&models.LocalContact{FirstName: "Someone Else", Email: "alice@example.com"},
	)
	assert.Equal(t, models.MatchExact, s.MatchType)
	assert.Equal(t, 1.0, s.Similarity)
	assert.Equal(t, []string{"email"}, s.MatchedFields)
}

func TestScoreExactPhoneAcrossFormats(t *testing.T) {
	m := NewMatcher("US")
	s := m.Score(
		models.ContactRecord{FirstName: "Bob", Phone: "+1 (415) 555-2671"},
		&models.LocalContact{FirstName: "Robert", Phone: "415-555-2671"},
	)
	assert.Equal(t, models.MatchExact, s.MatchType)
	assert.Equal(t, []string{"phone"}, s.MatchedFields)
}

func TestScoreFuzzyName(t *testing.T) {
	m := NewMatcher("")
	// "ann lees" vs "ann leas": one edit over eight runes
	s := m.Score(
		models.ContactRecord{FirstName: "Ann", LastName: "Lees"},
		&models.LocalContact{FirstName: "Ann", LastName: "Leas"},
	)
	assert.Equal(t, models.MatchFuzzy, s.MatchType)
	assert.InDelta(t, 0.875, s.Similarity, 1e-9)
	assert.Equal(t, []string{"name"}, s.MatchedFields)
}

func TestScoreFuzzyShortenedFirstName(t *testing.T) {
	m := NewMatcher("")
	// "jon doe" vs "john doe": one insertion over eight runes
	s := m.Score(
		models.ContactRecord{FirstName: "Jon", LastName: "Doe"},
		&models.LocalContact{FirstName: "John", LastName: "Doe"},
	)
	assert.Equal(t, models.MatchFuzzy, s.MatchType)
	assert.InDelta(t, 0.875, s.Similarity, 1e-9)
	assert.True(t, s.Matched())
}

func TestScoreThresholdBoundary(t *testing.T) {
	m := NewMatcher("")

	// Three edits over twenty runes is exactly 0.85.
	s := m.Score(
		models.ContactRecord{FirstName: "abcdefghijklmnopqrst"},
		&models.LocalContact{FirstName: "abcdefghijklmnopqxyz"},
	)
	assert.True(t, s.Matched())
	assert.InDelta(t, 0.85, s.Similarity, 1e-9)

	// Four edits is 0.80.
	s = m.Score(
		models.ContactRecord{FirstName: "abcdefghijklmnopqrst"},
		&models.LocalContact{FirstName: "abcdefghijklmnopwxyz"},
	)
	assert.False(t, s.Matched())
}

func TestMeetsThreshold(t *testing.T) {
	assert.True(t, MeetsThreshold(0.85))
	assert.True(t, MeetsThreshold(1-3.0/20))
	assert.False(t, MeetsThreshold(0.84999))
	assert.False(t, MeetsThreshold(0))
}

func TestScoreExactDominatesName(t *testing.T) {
	m := NewMatcher("")
	s := m.Score(
		models.ContactRecord{FirstName: "Totally", LastName: "Different", Email: "x@y.com"},
		&models.LocalContact{FirstName: "Nobody", LastName: "Alike", Email: "X@Y.COM"},
	)
	assert.Equal(t, models.MatchExact, s.MatchType)
}

func TestScoreIdenticalNamesArePotential(t *testing.T) {
	m := NewMatcher("")
	s := m.Score(
		models.ContactRecord{FirstName: "Dr. Jane", LastName: "O'Neil"},
		&models.LocalContact{FirstName: "Jane", LastName: "ONeil"},
	)
	assert.Equal(t, models.MatchPotential, s.MatchType)
	assert.Equal(t, 1.0, s.Similarity)
}

func TestScoreBlendsCompany(t *testing.T) {
	m := NewMatcher("")

	s := m.Score(
		models.ContactRecord{FirstName: "Ann", LastName: "Lees", Company: "Acme, Inc."},
		&models.LocalContact{FirstName: "Ann", LastName: "Leas", Company: "acme inc"},
	)
	assert.Equal(t, models.MatchFuzzy, s.MatchType)
	assert.InDelta(t, 0.7*0.875+0.3, s.Similarity, 1e-9)
	assert.Equal(t, []string{"name", "company"}, s.MatchedFields)

	s = m.Score(
		models.ContactRecord{FirstName: "Ann", LastName: "Lees", Company: "Acme"},
		&models.LocalContact{FirstName: "Ann", LastName: "Leas", Company: "Globex"},
	)
	assert.False(t, s.Matched())
}

func TestScoreNoNameNoMatch(t *testing.T) {
	m := NewMatcher("")
	s := m.Score(
		models.ContactRecord{Email: "a@x.com"},
		&models.LocalContact{Email: "b@x.com"},
	)
	assert.False(t, s.Matched())
}

func TestNormalizePhone(t *testing.T) {
	m := NewMatcher("US")
	tests := []struct {
		input    string
		expected string
	}{
		{"(415) 555-2671", "+14155552671"},
		{"+1 415 555 2671", "+14155552671"},
		{"12345", ""},
		{"", ""},
		{"call me", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, m.NormalizePhone(tt.input), "NormalizePhone(%q)", tt.input)
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Alice@Example.com", "alice@example.com"},
		{"  alice.smith@example.com ", "alice.smith@example.com"},
		{"ALICE@EXAMPLE.COM", "alice@example.com"},
	}

	for _, tt := range tests {
		if got := normalizeEmail(tt.input); got != tt.expected {
			t.Errorf("normalizeEmail(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "jane oneil", normalizeName("Dr. Jane   O'Neil"))
	assert.Equal(t, "john smith", normalizeName("Mr John Smith"))
	assert.Equal(t, "", normalizeName("  "))
}

func TestSimilarityCountsRunes(t *testing.T) {
	assert.InDelta(t, 0.75, Similarity("josé", "jose"), 1e-9)
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
}
