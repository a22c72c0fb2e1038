package phone

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/nyaruka/phonenumbers"
)

// Class is the outcome of classifying one candidate.
type Class int

const (
	ClassInvalid Class = iota
	ClassLandline
	ClassMobile
)

func (c Class) String() string {
	switch c {
	case ClassMobile:
		return "mobile"
	case ClassLandline:
		return "landline"
	default:
		return "invalid"
	}
}

// Counts are the per-parse statistics. Mobile <= Valid <= Detected always holds.
type Counts struct {
	Detected int `json:"detected"`
	Valid    int `json:"valid"`
	Mobile   int `json:"mobile"`
}

// Match is a deduplicated candidate together with its classification.
type Match struct {
	Canonical string
	Number    *phonenumbers.PhoneNumber
	Class     Class
}

// Result is the outcome of one extraction pass. Accepted holds the mobile
// matches in scan order; All additionally holds the discarded ones.
type Result struct {
	Accepted []Match
	All      []Match
	Counts   Counts
}

// Extractor turns text into classified, deduplicated phone numbers.
type Extractor struct {
	Region         string
	MobilePrefixes []string
}

// NewExtractor returns an Extractor, falling back to DefaultRegion and
// DefaultMobilePrefixes for empty arguments.
func NewExtractor(region string, mobilePrefixes []string) *Extractor {
	if region == "" {
		region = DefaultRegion
	}
	if len(mobilePrefixes) == 0 {
		mobilePrefixes = DefaultMobilePrefixes
	}
	return &Extractor{Region: region, MobilePrefixes: mobilePrefixes}
}

// Classify decides whether num is invalid, a landline (valid without a mobile
// prefix) or mobile.
func (e *Extractor) Classify(num *phonenumbers.PhoneNumber) Class {
	if !phonenumbers.IsPossibleNumber(num) || !phonenumbers.IsValidNumber(num) {
		return ClassInvalid
	}
	if !HasMobilePrefix(phonenumbers.GetNationalSignificantNumber(num), e.MobilePrefixes) {
		return ClassLandline
	}
	return ClassMobile
}

// HasMobilePrefix reports whether the national significant number starts
// with one of prefixes.
func HasMobilePrefix(nsn string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(nsn, p) {
			return true
		}
	}
	return false
}

// Extract scans text once. Each canonical number is counted on its first
// occurrence only; later duplicates are skipped before any counter moves.
func (e *Extractor) Extract(text string) Result {
	var res Result
	seen := make(map[string]bool)
	for c := range Scan(text, e.Region) {
		key := Canonical(c.Number)
		if seen[key] {
			continue
		}
		seen[key] = true
		res.Counts.Detected++

		m := Match{Canonical: key, Number: c.Number, Class: e.Classify(c.Number)}
		res.All = append(res.All, m)
		if m.Class == ClassInvalid {
			continue
		}
		res.Counts.Valid++
		if m.Class != ClassMobile {
			continue
		}
		res.Counts.Mobile++
		res.Accepted = append(res.Accepted, m)
	}
	return res
}

// ExtractReader reads all of r and extracts from it. Input larger than limit
// bytes (when limit > 0), not valid UTF-8, or containing NUL bytes fails with
// ErrParse.
func (e *Extractor) ExtractReader(r io.Reader, limit int64) (Result, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading input: %v", ErrParse, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return Result{}, fmt.Errorf("%w: input exceeds %d bytes", ErrParse, limit)
	}
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return Result{}, fmt.Errorf("%w: input is not UTF-8 text", ErrParse)
	}
	return e.Extract(string(data)), nil
}
