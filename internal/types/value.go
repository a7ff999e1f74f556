package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Date layouts accepted on the write path. Values are stored verbatim, so a
// bare date stays a bare date and a full timestamp keeps its offset.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

// EncodeValue maps a caller-supplied value into the typed slot pair for the
// given data type. Exactly one of the returned slots is non-nil.
func EncodeValue(dt DataType, v any) (valueString, valueNumber *string, err error) {
	if v == nil {
		return nil, nil, fmt.Errorf("value is required")
	}
	switch dt {
	case TypeNumber:
		s, err := encodeNumber(v)
		if err != nil {
			return nil, nil, err
		}
		return nil, &s, nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, nil, fmt.Errorf("string field requires a string value, got %T", v)
		}
		return &s, nil, nil
	case TypeDate:
		s, err := encodeDate(v)
		if err != nil {
			return nil, nil, err
		}
		return &s, nil, nil
	case TypeBoolean:
		s, err := encodeBool(v)
		if err != nil {
			return nil, nil, err
		}
		return &s, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported data type: %s", dt)
}

func encodeNumber(v any) (string, error) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case json.Number:
		if _, err := n.Float64(); err != nil {
			return "", fmt.Errorf("invalid numeric value %q: %w", n.String(), err)
		}
		return n.String(), nil
	case string:
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			return "", fmt.Errorf("invalid numeric value %q: %w", n, err)
		}
		return n, nil
	}
	return "", fmt.Errorf("number field requires a numeric value, got %T", v)
}

func encodeDate(v any) (string, error) {
	switch d := v.(type) {
	case time.Time:
		return d.Format(time.RFC3339), nil
	case string:
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, d); err == nil {
				return d, nil
			}
		}
		return "", fmt.Errorf("invalid date value %q: want ISO-8601", d)
	}
	return "", fmt.Errorf("date field requires a time or ISO-8601 string, got %T", v)
}

func encodeBool(v any) (string, error) {
	switch b := v.(type) {
	case bool:
		return strconv.FormatBool(b), nil
	case string:
		if b == "true" || b == "false" {
			return b, nil
		}
		return "", fmt.Errorf("invalid boolean value %q: want true or false", b)
	}
	return "", fmt.Errorf("boolean field requires a bool, got %T", v)
}

// DecodeValue maps stored slots back into a caller-facing value.
// Numbers come back as float64, booleans as bool, strings and dates as the
// stored string. Returns nil when neither slot is populated.
func DecodeValue(dt DataType, valueString, valueNumber *string) any {
	switch dt {
	case TypeNumber:
		if valueNumber == nil {
			return nil
		}
		if f, err := strconv.ParseFloat(*valueNumber, 64); err == nil {
			return f
		}
		// Unparseable decimal text: surface the raw form rather than dropping it.
		return *valueNumber
	case TypeBoolean:
		if valueString == nil {
			return nil
		}
		return *valueString == "true"
	default:
		if valueString == nil {
			return nil
		}
		return *valueString
	}
}
