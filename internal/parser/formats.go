package parser

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/printer-dashboard/relay/internal/models"
)

// JSONObjectFormat decodes a flat JSON object such as
// {"bedTemp": 60.5, "nozzleTemp": 210}. Key order is preserved.
type JSONObjectFormat struct{}

func (JSONObjectFormat) Name() string { return "json" }

func (JSONObjectFormat) CanParse(payload string) bool {
	return strings.HasPrefix(payload, "{") && json.Valid([]byte(payload))
}

func (JSONObjectFormat) Parse(payload string, observedAt time.Time) ([]models.Reading, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, newParseError(payload, "expected JSON object")
	}

	var readings []models.Reading
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, newParseError(payload, "reading key: %v", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, newParseError(payload, "object key is not a string")
		}

		tok, err = dec.Token()
		if err != nil {
			return nil, newParseError(payload, "reading value for %q: %v", key, err)
		}
		num, ok := tok.(json.Number)
		if !ok {
			return nil, newParseError(payload, "value for %q is not a number", key)
		}
		v, err := num.Float64()
		if err != nil {
			return nil, newParseError(payload, "value for %q: %v", key, err)
		}

		r, err := newReading(payload, key, v, observedAt)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}

	if tok, err := dec.Token(); err != nil || tok != json.Delim('}') {
		return nil, newParseError(payload, "unterminated JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, newParseError(payload, "trailing data after JSON object")
	}
	return readings, nil
}

// PairFormat decodes "key:value" pairs separated by ',' or ';'. Keys may be
// double-quoted and the whole list may be wrapped in braces, so the
// loosely-quoted frames older producers emit are accepted too.
type PairFormat struct{}

func (PairFormat) Name() string { return "pairs" }

func (PairFormat) CanParse(payload string) bool {
	return strings.Contains(payload, ":") && !strings.ContainsAny(payload, "\r\n")
}

func (PairFormat) Parse(payload string, observedAt time.Time) ([]models.Reading, error) {
	body := payload
	if strings.HasPrefix(body, "{") && strings.HasSuffix(body, "}") {
		body = body[1 : len(body)-1]
	}

	fields := strings.FieldsFunc(body, func(r rune) bool { return r == ',' || r == ';' })
	readings := make([]models.Reading, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		key, raw, ok := strings.Cut(field, ":")
		if !ok {
			return nil, newParseError(payload, "pair %q has no ':' separator", field)
		}
		key = strings.TrimSpace(key)
		if len(key) >= 2 && key[0] == '"' && key[len(key)-1] == '"' {
			key = key[1 : len(key)-1]
		}

		raw = strings.TrimSpace(raw)
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, newParseError(payload, "value %q for %q is not numeric", raw, key)
		}

		r, err := newReading(payload, key, v, observedAt)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}
