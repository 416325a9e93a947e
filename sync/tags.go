// ABOUTME: Tag mapping rules applied during import
// ABOUTME: Renames provider labels, filters excluded ones, and optionally keeps the originals
package sync

import "strings"

// TagRules maps provider labels onto the local tag vocabulary.
type TagRules struct {
	Mapping          map[string]string
	Exclude          []string
	PreserveOriginal bool
}

// Apply returns the local tags for a list of provider labels. Tags are
// compared case-insensitively; the first spelling seen is kept.
func (r TagRules) Apply(tags []string) []string {
	excluded := make(map[string]bool, len(r.Exclude))
	for _, t := range r.Exclude {
		excluded[strings.ToLower(strings.TrimSpace(t))] = true
	}
	mapping := make(map[string]string, len(r.Mapping))
	for from, to := range r.Mapping {
		mapping[strings.ToLower(strings.TrimSpace(from))] = strings.TrimSpace(to)
	}

	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		mapped, hasMapping := mapping[key]
		if excluded[key] || (hasMapping && excluded[strings.ToLower(mapped)]) {
			continue
		}
		if !hasMapping {
			out = append(out, tag)
			continue
		}
		if mapped != "" {
			out = append(out, mapped)
		}
		if r.PreserveOriginal {
			out = append(out, tag)
		}
	}
	return uniqueTags(out)
}

// mergeTags unions existing and incoming tags, keeping existing order first.
func mergeTags(existing, incoming []string) []string {
	all := make([]string, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)
	return uniqueTags(all)
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
