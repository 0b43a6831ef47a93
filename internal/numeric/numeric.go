// Package numeric приводит разнородные числовые представления внешних систем
// к каноническому decimal.Decimal. Вся доменная арифметика работает только с
// каноническими значениями; конверсия живёт строго на границе адаптеров.
package numeric

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Coerce преобразует любое внешнее числовое представление в decimal.Decimal.
// Непарсимый вход даёт ноль, а не ошибку: граница терпима к мусору, чтобы
// доменный код не разбирал чужие форматы.
func Coerce(v any) decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		return x
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero
		}
		return *x
	case int:
		return decimal.NewFromInt(int64(x))
	case int8:
		return decimal.NewFromInt(int64(x))
	case int16:
		return decimal.NewFromInt(int64(x))
	case int32:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case uint:
		return decimal.NewFromUint64(uint64(x))
	case uint8:
		return decimal.NewFromUint64(uint64(x))
	case uint16:
		return decimal.NewFromUint64(uint64(x))
	case uint32:
		return decimal.NewFromUint64(uint64(x))
	case uint64:
		return decimal.NewFromUint64(x)
	case float32:
		return decimal.NewFromFloat32(x)
	case float64:
		return decimal.NewFromFloat(x)
	case string:
		return fromString(x)
	case []byte:
		return fromString(string(x))
	case json.Number:
		return fromString(x.String())
	case fmt.Stringer:
		return fromString(x.String())
	default:
		return decimal.Zero
	}
}

func fromString(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	// внешние выгрузки любят разделители тысяч
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
