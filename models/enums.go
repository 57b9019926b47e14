package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// PaymentMethod is the closed set of settlement kinds a sale can carry.
// Appends reject anything outside this set; the aggregation's "other"
// bucket only catches rows imported from before validation existed.
type PaymentMethod string

const (
	PaymentMethodCash  PaymentMethod = "cash"
	PaymentMethodCard  PaymentMethod = "card"
	PaymentMethodMixed PaymentMethod = "mixed"
	PaymentMethodOther PaymentMethod = "other"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodMixed, PaymentMethodOther:
		return PaymentMethod(s), nil
	}
	return "", fmt.Errorf("invalid payment method %q", s)
}

// AnomalyType is the closed set of chain verification findings.
type AnomalyType string

const (
	AnomalyHashMismatch AnomalyType = "hash_mismatch"
	AnomalyComputeError AnomalyType = "compute_error"
)

// Value implements the driver.Valuer interface
func (t AnomalyType) Value() (driver.Value, error) {
	switch t {
	case AnomalyHashMismatch, AnomalyComputeError:
		return string(t), nil
	}
	return nil, fmt.Errorf("invalid anomaly type %q", string(t))
}

// Scan implements the sql.Scanner interface
func (t *AnomalyType) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return errors.New("anomaly type must be string")
	}
	switch AnomalyType(s) {
	case AnomalyHashMismatch:
		*t = AnomalyHashMismatch
	case AnomalyComputeError:
		*t = AnomalyComputeError
	default:
		return fmt.Errorf("invalid anomaly type %q", s)
	}
	return nil
}

// ClosureState models the one-way fiscal day machine
// NOT_CLOSED -> CLOSING -> CLOSED. Only the latter two are ever persisted;
// NOT_CLOSED is the absence of a closure row for the day.
type ClosureState string

const (
	ClosureStateNotClosed ClosureState = "NOT_CLOSED"
	ClosureStateClosing   ClosureState = "CLOSING"
	ClosureStateClosed    ClosureState = "CLOSED"
)

// Value implements the driver.Valuer interface
func (s ClosureState) Value() (driver.Value, error) {
	switch s {
	case ClosureStateClosing, ClosureStateClosed:
		return string(s), nil
	}
	return nil, fmt.Errorf("invalid persisted closure state %q", string(s))
}

// Scan implements the sql.Scanner interface
func (s *ClosureState) Scan(value interface{}) error {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return errors.New("closure state must be string")
	}
	switch ClosureState(str) {
	case ClosureStateClosing:
		*s = ClosureStateClosing
	case ClosureStateClosed:
		*s = ClosureStateClosed
	default:
		return fmt.Errorf("invalid closure state %q", str)
	}
	return nil
}

type UserRole string

const (
	UserRoleAdmin   UserRole = "A"
	UserRoleOwner   UserRole = "O"
	UserRoleCashier UserRole = "C"
)
