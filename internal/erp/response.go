package erp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Result is the ERP document created or updated for a booking
type Result struct {
	Name      string
	UUID      string
	DocStatus int
	Status    string
}

var fold = cases.Fold()

// envelopeKeys are tried in order before falling back to the root object
var envelopeKeys = []string{"data", "message", "doc"}

// ParseResult extracts the document from one of the known envelope shapes.
// Keys are matched case-insensitively.
func ParseResult(body []byte) (Result, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	doc := root
	for _, key := range envelopeKeys {
		if v, ok := lookup(root, key); ok {
			if inner, ok := v.(map[string]any); ok {
				doc = inner
				break
			}
		}
	}

	res := Result{
		Name:   stringField(doc, "name"),
		Status: stringField(doc, "status"),
	}

	if v, ok := lookup(doc, "uuid"); ok {
		switch u := v.(type) {
		case string:
			res.UUID = u
		case map[string]any:
			res.UUID = stringField(u, "name")
		}
	}

	if v, ok := lookup(doc, "docstatus"); ok {
		n, err := toInt(v)
		if err != nil {
			return Result{}, fmt.Errorf("%w: docstatus %v", ErrInvalidResponse, v)
		}
		res.DocStatus = n
	}

	if res.Name == "" {
		return Result{}, fmt.Errorf("%w: document name missing", ErrInvalidResponse)
	}
	return res, nil
}

func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	want := fold.String(key)
	for k, v := range m {
		if fold.String(k) == want {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]any, key string) string {
	v, ok := lookup(m, key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}
