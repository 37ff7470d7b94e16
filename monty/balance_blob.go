package monty

import (
	"database/sql/driver"
	"fmt"
	"github.com/fxamacker/cbor/v2"
)

// balanceEncMode always writes full-width float64 values, so a stored
// balance decodes to exactly the value that was written.
var balanceEncMode = mustBalanceEncMode()

func mustBalanceEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{
		ShortestFloat: cbor.ShortestFloatNone,
		NaNConvert:    cbor.NaNConvertNone,
		InfConvert:    cbor.InfConvertNone,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// BalanceBlob is a balance stored as a CBOR-encoded float64.
type BalanceBlob float64

// Scan implements the sql.Scanner interface.
func (b *BalanceBlob) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		return fmt.Errorf("balance is null")
	default:
		return fmt.Errorf("unexpected type for BalanceBlob: %T", value)
	}
	var f float64
	if err := cbor.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("error decoding balance: %w", err)
	}
	*b = BalanceBlob(f)
	return nil
}

// Value implements the driver.Valuer interface.
func (b BalanceBlob) Value() (driver.Value, error) {
	data, err := balanceEncMode.Marshal(float64(b))
	if err != nil {
		return nil, fmt.Errorf("error encoding balance: %w", err)
	}
	return data, nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (BalanceBlob) GormDataType() string {
	return "bytes"
}

func (b BalanceBlob) Float64() float64 {
	return float64(b)
}
