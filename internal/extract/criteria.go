package extract

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SearchCriteria is the structured record the intent analyzer asks the model
// to produce: a PubMed query plus the journal-quality filters the user asked
// for.
type SearchCriteria struct {
	Query        string   `json:"query"`
	YearStart    *int     `json:"year_start,omitempty"`
	YearEnd      *int     `json:"year_end,omitempty"`
	MinIF        *float64 `json:"min_if,omitempty"`
	MaxIF        *float64 `json:"max_if,omitempty"`
	CASZones     []int    `json:"cas_zones,omitempty"`
	JCRQuartiles []string `json:"jcr_quartiles,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// Result is the outcome of one extraction. Degraded marks best-effort
// regex recovery so callers can never mistake it for a clean parse.
type Result struct {
	Criteria   SearchCriteria `json:"criteria"`
	Degraded   bool           `json:"degraded"`
	Reason     string         `json:"reason,omitempty"`
	RawExcerpt string         `json:"raw_excerpt,omitempty"`
}

var (
	queryPattern = regexp.MustCompile(`"query"\s*:\s*"([^"]+)"`)
	yearPattern  = regexp.MustCompile(`\b(20\d{2})\b`)
)

// Criteria extracts and validates a SearchCriteria from raw model output.
// originalQuery is the user's input; it backstops a missing or unusable
// query field. A nil error with Degraded=true means only partial recovery
// succeeded; an ExtractionError means nothing usable was found and
// originalQuery was empty.
func Criteria(raw, originalQuery string) (*Result, error) {
	candidate, err := Object(raw)
	if err == nil {
		var data map[string]any
		dec := json.NewDecoder(strings.NewReader(candidate))
		dec.UseNumber()
		if decodeErr := dec.Decode(&data); decodeErr == nil {
			return &Result{Criteria: validateCriteria(data, originalQuery)}, nil
		}
		// One repair attempt already happened inside Object; a candidate
		// that still does not parse is a hard parse failure, not retried.
	}

	return fallbackCriteria(raw, originalQuery)
}

// fallbackCriteria is the regex-based best-effort path, always explicitly
// flagged as degraded.
func fallbackCriteria(raw, originalQuery string) (*Result, error) {
	criteria := SearchCriteria{}
	recovered := false

	if m := queryPattern.FindStringSubmatch(raw); m != nil {
		criteria.Query = m[1]
		recovered = true
	}

	if years := yearPattern.FindAllString(raw, -1); len(years) >= 2 {
		seen := make(map[int]bool)
		var ys []int
		for _, y := range years {
			n, _ := strconv.Atoi(y)
			if !seen[n] {
				seen[n] = true
				ys = append(ys, n)
			}
		}
		if len(ys) >= 2 {
			sort.Ints(ys)
			lo, hi := ys[0], ys[len(ys)-1]
			criteria.YearStart = &lo
			criteria.YearEnd = &hi
			recovered = true
		}
	}

	if criteria.Query == "" {
		if originalQuery == "" {
			return nil, &ExtractionError{
				Reason:     "no JSON object and no query fragment recovered",
				RawExcerpt: excerpt(raw),
			}
		}
		criteria.Query = originalQuery
	}

	reason := "regex fallback extraction"
	if !recovered {
		reason = "no structure recovered; using original input as query"
	}

	return &Result{
		Criteria:   criteria,
		Degraded:   true,
		Reason:     reason,
		RawExcerpt: excerpt(raw),
	}, nil
}

// validateCriteria coerces and clamps the parsed fields: years swapped into
// order and capped at next year, impact factors clamped to [0,100] and
// swapped into order, CAS zones restricted to 1..4, JCR quartiles to Q1..Q4,
// keywords trimmed and deduplicated.
func validateCriteria(data map[string]any, originalQuery string) SearchCriteria {
	out := SearchCriteria{}

	query := strings.TrimSpace(asString(data["query"]))
	if len(query) < 3 {
		query = originalQuery
	}
	out.Query = query

	yearStart := asInt(data["year_start"])
	yearEnd := asInt(data["year_end"])
	currentYear := time.Now().Year()
	if yearStart != nil && yearEnd != nil && *yearStart > *yearEnd {
		yearStart, yearEnd = yearEnd, yearStart
	}
	if yearEnd != nil && *yearEnd > currentYear+1 {
		y := currentYear
		yearEnd = &y
	}
	out.YearStart = yearStart
	out.YearEnd = yearEnd

	minIF := asFloat(data["min_if"])
	maxIF := asFloat(data["max_if"])
	if minIF != nil && maxIF != nil && *minIF > *maxIF {
		minIF, maxIF = maxIF, minIF
	}
	if minIF != nil && *minIF < 0 {
		z := 0.0
		minIF = &z
	}
	if maxIF != nil && *maxIF > 100 {
		h := 100.0
		maxIF = &h
	}
	out.MinIF = minIF
	out.MaxIF = maxIF

	if zones, ok := data["cas_zones"].([]any); ok {
		seen := make(map[int]bool)
		for _, z := range zones {
			n := asInt(z)
			if n == nil || *n < 1 || *n > 4 || seen[*n] {
				continue
			}
			seen[*n] = true
			out.CASZones = append(out.CASZones, *n)
		}
	}

	if quartiles, ok := data["jcr_quartiles"].([]any); ok {
		seen := make(map[string]bool)
		for _, q := range quartiles {
			s := strings.ToUpper(strings.TrimSpace(asString(q)))
			switch s {
			case "Q1", "Q2", "Q3", "Q4":
				if !seen[s] {
					seen[s] = true
					out.JCRQuartiles = append(out.JCRQuartiles, s)
				}
			}
		}
	}

	if keywords, ok := data["keywords"].([]any); ok {
		seen := make(map[string]bool)
		for _, k := range keywords {
			s := strings.TrimSpace(asString(k))
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out.Keywords = append(out.Keywords, s)
		}
	}

	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) *int {
	switch n := v.(type) {
	case json.Number:
		// Models sometimes emit years as floats; truncate.
		if f, err := n.Float64(); err == nil {
			i := int(f)
			return &i
		}
	case float64:
		i := int(n)
		return &i
	case int:
		return &n
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return &i
		}
	}
	return nil
}

func asFloat(v any) *float64 {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return &f
		}
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return &f
		}
	}
	return nil
}
