package detections

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

// Backends disagree on the confidence column name.
const (
	confidencePercentKey = "confidence(%)"
	confidenceKey        = "confidence"
)

// LogEntry is one detection record as served by /api/logs, with confidence
// normalised to a single float field. NaN means the backend sent nothing usable.
type LogEntry struct {
	Timestamp  string  `json:"timestamp"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Clip       string  `json:"clip"`
}

// UnmarshalJSON accepts confidence as number or string under either key.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	raw := map[string]any{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	e.Timestamp = stringify(raw["timestamp"])
	e.Class = stringify(raw["class"])
	e.Clip = stringify(raw["clip"])

	v, ok := raw[confidencePercentKey]
	if !ok || isBlank(v) {
		v = raw[confidenceKey]
	}
	e.Confidence = parseConfidence(v)
	return nil
}

// MarshalJSON writes NaN confidence as null.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	var conf any
	if !math.IsNaN(e.Confidence) && !math.IsInf(e.Confidence, 0) {
		conf = e.Confidence
	}
	return json.Marshal(map[string]any{
		"timestamp":  e.Timestamp,
		"class":      e.Class,
		"confidence": conf,
		"clip":       e.Clip,
	})
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	default:
		return false
	}
}

func parseConfidence(v any) float64 {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case float64:
		return x
	case string:
		return parseLeadingFloat(x)
	default:
		return math.NaN()
	}
}

var leadingFloat = regexp.MustCompile(`^[+-]?(Infinity|(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?)`)

// parseLeadingFloat reads the longest numeric prefix of s, so "87.5%" and
// "87.5 pct" both give 87.5. No numeric prefix gives NaN.
func parseLeadingFloat(s string) float64 {
	m := leadingFloat.FindString(strings.TrimSpace(s))
	if m == "" {
		return math.NaN()
	}
	switch m {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		// Out of range literals still carry a sign.
		if strings.HasPrefix(m, "-") {
			return math.Inf(-1)
		}
		return math.Inf(1)
	}
	return f
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		blob, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(blob)
	}
}

// Stat is one entry of the backend's stats object.
type Stat struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Stats keeps the stats object's pairs in document order.
type Stats []Stat

// ParseStats decodes a JSON object into Stats without losing key order.
func ParseStats(data []byte) (Stats, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("stats: malformed json")
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("stats: expected a json object")
	}

	out := Stats{}
	err := jsonparser.ObjectEach(data, func(key []byte, value []byte, dataType jsonparser.ValueType, _ int) error {
		k, err := jsonparser.ParseString(key)
		if err != nil {
			return err
		}
		v, err := stringifyValue(value, dataType)
		if err != nil {
			return err
		}
		out = append(out, Stat{Key: k, Value: v})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return out, nil
}

// stringifyValue renders a raw JSON value the way a browser template
// interpolation would.
func stringifyValue(value []byte, dataType jsonparser.ValueType) (string, error) {
	switch dataType {
	case jsonparser.String:
		return jsonparser.ParseString(value)
	case jsonparser.Number:
		return formatNumber(value), nil
	case jsonparser.Boolean, jsonparser.Null:
		return string(value), nil
	case jsonparser.Object:
		return "[object Object]", nil
	case jsonparser.Array:
		parts := []string{}
		var innerErr error
		_, err := jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, _ error) {
			if innerErr != nil {
				return
			}
			if itemType == jsonparser.Null {
				parts = append(parts, "")
				return
			}
			s, err := stringifyValue(item, itemType)
			if err != nil {
				innerErr = err
				return
			}
			parts = append(parts, s)
		})
		if err != nil {
			return "", err
		}
		if innerErr != nil {
			return "", innerErr
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %s", dataType)
	}
}

// DeleteResult is the backend's answer to a delete request. OK is nil when
// the body carried no recognisable flag.
type DeleteResult struct {
	StatusCode int   `json:"status_code"`
	OK         *bool `json:"ok,omitempty"`
}

// Succeeded reports whether the backend confirmed the deletion.
func (r *DeleteResult) Succeeded() bool {
	if r == nil || r.StatusCode < 200 || r.StatusCode >= 300 {
		return false
	}
	return r.OK != nil && *r.OK
}

// StatusError is returned for non-2xx responses on read endpoints.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("detections %s status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// formatNumber prints a JSON number the way a browser would show it:
// shortest round-trip digits, exponent form only outside [1e-6, 1e21).
func formatNumber(raw []byte) string {
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return string(raw)
	}
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		mant, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
		sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
		return mant + "e" + sign + digits
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
