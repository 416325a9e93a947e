// ABOUTME: Tests for import tag rules
// ABOUTME: Verifies mapping, exclusion, and preservation of provider labels
package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagRulesApply(t *testing.T) {
	tests := []struct {
		name     string
		rules    TagRules
		input    []string
		expected []string
	}{
		{
			name:     "no rules keeps tags",
			input:    []string{"Friends", "Work"},
			expected: []string{"Friends", "Work"},
		},
		{
			name:     "mapping renames case-insensitively",
			rules:    TagRules{Mapping: map[string]string{"friends": "personal"}},
			input:    []string{"Friends", "Work"},
			expected: []string{"personal", "Work"},
		},
		{
			name:     "preserve keeps the original next to the mapped tag",
			rules:    TagRules{Mapping: map[string]string{"Friends": "personal"}, PreserveOriginal: true},
			input:    []string{"Friends"},
			expected: []string{"personal", "Friends"},
		},
		{
			name:     "exclusion drops original names",
			rules:    TagRules{Exclude: []string{"starred"}},
			input:    []string{"Starred", "Work"},
			expected: []string{"Work"},
		},
		{
			name:     "exclusion applies to mapped names",
			rules:    TagRules{Mapping: map[string]string{"vip": "hidden"}, Exclude: []string{"Hidden"}},
			input:    []string{"VIP", "Work"},
			expected: []string{"Work"},
		},
		{
			name:     "duplicates collapse",
			rules:    TagRules{Mapping: map[string]string{"colleagues": "work"}},
			input:    []string{"Work", "Colleagues", " ", "work"},
			expected: []string{"Work"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.rules.Apply(tt.input))
		})
	}
}

func TestMergeTagsKeepsExistingOrder(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeTags([]string{"a", "b"}, []string{"B", "c"}))
}
