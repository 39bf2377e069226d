package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// paramDecimal reads key from params. TOML decodes numbers as int64 or
// float64; strings are parsed as decimals.
func paramDecimal(params map[string]any, key string) (*decimal.Decimal, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	var d decimal.Decimal
	switch x := v.(type) {
	case int64:
		d = decimal.NewFromInt(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case float64:
		d = decimal.NewFromFloat(x)
	case string:
		var err error
		d, err = decimal.NewFromString(x)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
	default:
		return nil, fmt.Errorf("param %s: unsupported type %T", key, v)
	}
	return &d, nil
}

func requireDecimal(params map[string]any, key string) (decimal.Decimal, error) {
	d, err := paramDecimal(params, key)
	if err != nil {
		return decimal.Zero, err
	}
	if d == nil {
		return decimal.Zero, fmt.Errorf("param %s is required", key)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("param %s must be > 0, got %s", key, d)
	}
	return *d, nil
}
