package transform

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/leapstack-labs/leapsync/internal/canonical"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Handler normalizes a specialized column value after mapping.
type Handler func(core.Value) (core.Value, error)

var handlers = map[string]Handler{
	"wkt":     normalizeWKT,
	"wkb":     normalizeWKB,
	"json":    normalizeJSON,
	"address": normalizeAddress,
}

// LookupHandler returns the domain handler registered under name.
func LookupHandler(name string) (Handler, bool) {
	h, ok := handlers[name]
	return h, ok
}

var (
	wktPattern = regexp.MustCompile(`(?i)^\s*(POINT|LINESTRING|POLYGON|MULTIPOINT|MULTILINESTRING|MULTIPOLYGON|GEOMETRYCOLLECTION)\s*(ZM|Z|M)?\s*(\(.*\)|EMPTY)\s*$`)
	spaceRun   = regexp.MustCompile(`\s+`)
	parenSpace = regexp.MustCompile(`\s*([(),])\s*`)
)

// normalizeWKT upper-cases the geometry tag and collapses whitespace so
// equal geometries hash equally.
func normalizeWKT(v core.Value) (core.Value, error) {
	s, err := textOf(v)
	if err != nil {
		return core.Value{}, err
	}
	m := wktPattern.FindStringSubmatch(s)
	if m == nil {
		return core.Value{}, fmt.Errorf("not a WKT geometry: %.40q", s)
	}
	body := m[3]
	if strings.EqualFold(body, "EMPTY") {
		body = "EMPTY"
	} else {
		if err := balanced(body); err != nil {
			return core.Value{}, err
		}
		body = parenSpace.ReplaceAllString(spaceRun.ReplaceAllString(body, " "), "$1")
		body = strings.ReplaceAll(body, ",", ", ")
	}
	tag := strings.ToUpper(m[1])
	if m[2] != "" {
		tag += " " + strings.ToUpper(m[2])
	}
	return core.StringValue(tag + " " + body), nil
}

func balanced(s string) error {
	depth := 0
	for _, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced parentheses in WKT")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced parentheses in WKT")
	}
	return nil
}

// normalizeWKB accepts raw WKB bytes or their hex text and returns bytes.
func normalizeWKB(v core.Value) (core.Value, error) {
	var raw []byte
	switch v.Kind() {
	case core.KindBytes:
		raw, _ = v.AsBytes()
	case core.KindString:
		s, _ := v.AsString()
		s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "\\x"), "0x")
		b, err := hex.DecodeString(s)
		if err != nil {
			return core.Value{}, fmt.Errorf("invalid WKB hex: %w", err)
		}
		raw = b
	default:
		return core.Value{}, fmt.Errorf("expected WKB bytes, got %s", v.Kind())
	}
	// Byte order marker plus a 4-byte geometry type.
	if len(raw) < 5 || (raw[0] != 0 && raw[0] != 1) {
		return core.Value{}, fmt.Errorf("invalid WKB header")
	}
	return core.BytesValue(raw), nil
}

// normalizeJSON rewrites a JSON document in canonical form.
func normalizeJSON(v core.Value) (core.Value, error) {
	s, err := textOf(v)
	if err != nil {
		return core.Value{}, err
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return core.Value{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return core.Value{}, fmt.Errorf("invalid JSON: trailing data")
	}
	out, err := canonical.Marshal(doc)
	if err != nil {
		return core.Value{}, err
	}
	return core.StringValue(string(bytes.TrimSpace(out))), nil
}

var addressAbbreviations = map[string]string{
	"Street": "St", "Avenue": "Ave", "Road": "Rd", "Boulevard": "Blvd",
	"Drive": "Dr", "Lane": "Ln", "Court": "Ct", "Place": "Pl",
	"Terrace": "Ter", "Highway": "Hwy", "Parkway": "Pkwy", "Circle": "Cir",
	"North": "N", "South": "S", "East": "E", "West": "W",
	"Apartment": "Apt", "Suite": "Ste",
}

// normalizeAddress title-cases words, collapses whitespace and abbreviates
// street suffixes and directions.
func normalizeAddress(v core.Value) (core.Value, error) {
	s, err := textOf(v)
	if err != nil {
		return core.Value{}, err
	}
	title := cases.Title(language.English)
	words := strings.Fields(s)
	for i, w := range words {
		trail := ""
		if strings.HasSuffix(w, ",") || strings.HasSuffix(w, ".") {
			w, trail = w[:len(w)-1], w[len(w)-1:]
		}
		if len(w) <= 2 && strings.ToUpper(w) == w {
			words[i] = w + trail
			continue
		}
		w = title.String(w)
		if abbr, ok := addressAbbreviations[w]; ok {
			w = abbr
		}
		if trail == "." {
			trail = ""
		}
		words[i] = w + trail
	}
	return core.StringValue(strings.Join(words, " ")), nil
}

func textOf(v core.Value) (string, error) {
	switch v.Kind() {
	case core.KindString:
		s, _ := v.AsString()
		return s, nil
	case core.KindBytes:
		c, err := core.Coerce(v, core.KindString)
		if err != nil {
			return "", err
		}
		s, _ := c.AsString()
		return s, nil
	}
	return "", fmt.Errorf("expected text, got %s", v.Kind())
}
