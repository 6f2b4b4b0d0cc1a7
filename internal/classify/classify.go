// Package classify tags intents with sensitivity labels by pattern
// matching over the serialized action arguments.
package classify

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/guardian-supervisor/guardian/internal/intent"
)

// Tag is one of the closed set of sensitivity labels a Classifier may
// append to an intent's data classification.
type Tag string

const (
	TagSecret Tag = "SECRET"
	TagPII    Tag = "PII"
	TagPHI    Tag = "PHI"
	TagPCI    Tag = "PCI"
)

// compiledDetector pairs a tag with the regex that detects it, mirroring
// the compiled-pattern table shape used for content scanning elsewhere in
// this codebase.
type compiledDetector struct {
	tag Tag
	re  *regexp.Regexp
}

// detectors is fixed, ordered: SECRET, PII, PHI, PCI. The order is part of
// the contract — classify is deterministic and the order tags get appended
// in must be stable across runs.
var detectors = []compiledDetector{
	{TagSecret, regexp.MustCompile(`(?i)(api[_-]?key|secret|token)['"]?\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,}`)},
	{TagPII, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{TagPII, regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{TagPHI, regexp.MustCompile(`(?i)\bMRN[:\s#]*\d{6,}\b`)},
	{TagPCI, regexp.MustCompile(`(?:\d[ -]*?){13,16}`)},
}

// Classifier inspects an intent's action arguments and appends sensitivity
// tags to its data classification. Pure, deterministic, no I/O.
type Classifier struct{}

// New creates a Classifier. It holds no state — detection rules are fixed.
func New() *Classifier {
	return &Classifier{}
}

// Classify returns the tags detected in the intent's serialized action
// args, in stable detection order, without duplicating any already present
// in i.Context.DataClassification.
func (c *Classifier) Classify(i *intent.Intent) []string {
	body, err := json.Marshal(i.Action.Args)
	if err != nil {
		return nil
	}
	content := string(body)

	existing := make(map[string]bool, len(i.Context.DataClassification))
	for _, t := range i.Context.DataClassification {
		existing[t] = true
	}

	var found []string
	seen := make(map[Tag]bool)
	for _, d := range detectors {
		if seen[d.tag] {
			continue
		}
		if d.tag == TagPCI {
			if !hasLuhnValidRun(content, d.re) {
				continue
			}
		} else if !d.re.MatchString(content) {
			continue
		}
		seen[d.tag] = true
		if !existing[string(d.tag)] {
			found = append(found, string(d.tag))
		}
	}
	return found
}

// Apply runs Classify and merges the result into the intent's data
// classification in place, preserving append order and avoiding
// duplicates. Idempotent: calling Apply twice leaves the classification
// list unchanged the second time.
func (c *Classifier) Apply(i *intent.Intent) {
	tags := c.Classify(i)
	if len(tags) == 0 {
		return
	}
	i.Context.DataClassification = append(i.Context.DataClassification, tags...)
}

// hasLuhnValidRun reports whether content contains a digit run matched by
// re that also passes the Luhn checksum, filtering out arbitrary long
// numbers that merely happen to be the right length.
func hasLuhnValidRun(content string, re *regexp.Regexp) bool {
	for _, m := range re.FindAllString(content, -1) {
		digits := make([]int, 0, len(m))
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits = append(digits, int(r-'0'))
			}
		}
		if len(digits) < 13 || len(digits) > 19 {
			continue
		}
		if luhnValid(digits) {
			return true
		}
	}
	return false
}

func luhnValid(digits []int) bool {
	sum := 0
	parity := len(digits) % 2
	for i, d := range digits {
		if i%2 == parity {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

// SortedTags returns a copy of tags sorted for stable comparison in tests;
// production code must never rely on this — detection order is the
// contractual order.
func SortedTags(tags []string) []string {
	out := append([]string(nil), tags...)
	sort.Strings(out)
	return out
}
