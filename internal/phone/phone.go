// Package phone finds phone numbers in free text and classifies them for a
// default region. Only numbers that are valid and carry one of the configured
// mobile prefixes are kept.
package phone

import (
	"errors"
	"iter"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is the region used to interpret numbers written without a
// country code.
const DefaultRegion = "DE"

// DefaultMobilePrefixes are the German mobile ranges (015x, 016x, 017x) as seen
// on the national significant number.
var DefaultMobilePrefixes = []string{"15", "16", "17"}

// ErrParse is returned when input cannot be read as text.
var ErrParse = errors.New("parse error")

// candidateRe matches runs of digits, optionally led by '+', where consecutive
// digits are separated by at most two of space, '-', '.', '/', '(' or ')'.
// Tabs, newlines and '+' end a run.
var candidateRe = regexp.MustCompile(`\+?\(?\d(?:[ \-./()]{0,2}\d)*`)

// A candidate carries between minDigits and maxDigits digits.
const (
	minDigits = 6
	maxDigits = 17
)

// Candidate is a substring of the input that parsed as a phone number.
type Candidate struct {
	Raw    string
	Number *phonenumbers.PhoneNumber
}

// Scan returns a one-shot sequence of the candidates found in text, in order
// of appearance. Substrings that libphonenumber cannot parse are skipped.
func Scan(text, region string) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for _, loc := range candidateRe.FindAllStringIndex(text, -1) {
			if !scanRun(text[loc[0]:loc[1]], region, yield) {
				return
			}
		}
	}
}

// scanRun yields the numbers in one run. A run that is a valid number is
// yielded whole. Otherwise it is split at spaces and the longest valid groups
// of adjacent pieces are taken left to right, so "0151 23456789 0176 12345678"
// gives two numbers. A run with no valid group is yielded whole when it parses,
// which keeps invalid numbers in the detected count. It reports false once
// yield asks to stop.
func scanRun(run, region string, yield func(Candidate) bool) bool {
	if c, ok := parseSpan(run, region); ok && phonenumbers.IsValidNumber(c.Number) {
		return yield(c)
	}

	pieces := fieldSpans(run)
	found := false
	for i := 0; i < len(pieces); {
		c, next, ok := longestValid(run, pieces, i, region)
		if !ok {
			// A country code belongs to what follows it.
			if i == 0 && strings.HasPrefix(run, "+") {
				break
			}
			i++
			continue
		}
		found = true
		if !yield(c) {
			return false
		}
		i = next
	}
	if found {
		return true
	}
	if c, ok := parseSpan(run, region); ok {
		return yield(c)
	}
	return true
}

// longestValid finds the longest valid number made of pieces[i:j]. It returns
// the candidate and j.
func longestValid(run string, pieces [][2]int, i int, region string) (Candidate, int, bool) {
	end, digits := i, 0
	for end < len(pieces) {
		d := countDigits(run[pieces[end][0]:pieces[end][1]])
		if digits+d > maxDigits {
			break
		}
		digits += d
		end++
	}
	for j := end; j > i; j-- {
		c, ok := parseSpan(run[pieces[i][0]:pieces[j-1][1]], region)
		if ok && phonenumbers.IsValidNumber(c.Number) {
			return c, j, true
		}
	}
	return Candidate{}, 0, false
}

// parseSpan parses raw when its digit count is in range.
func parseSpan(raw, region string) (Candidate, bool) {
	if n := countDigits(raw); n < minDigits || n > maxDigits {
		return Candidate{}, false
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{Raw: raw, Number: num}, true
}

// fieldSpans returns the [start, end) offsets of the space-separated pieces of s.
func fieldSpans(s string) [][2]int {
	var spans [][2]int
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if start >= 0 {
				spans = append(spans, [2]int{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}

// Canonical returns the E.164 form of num, used as the registry key.
func Canonical(num *phonenumbers.PhoneNumber) string {
	return phonenumbers.Format(num, phonenumbers.E164)
}

// Display returns num in international format, e.g. "+49 151 23456789".
func Display(num *phonenumbers.PhoneNumber) string {
	return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
}
