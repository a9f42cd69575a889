package model

import (
	"fmt"
	"strconv"
	"strings"
)

// TxnSource identifies which billing record a payment reference points at.
type TxnSource string

const (
	TxnReceipt    TxnSource = "receipt"
	TxnInvoice    TxnSource = "invoice"
	TxnAdjustment TxnSource = "adjustment"
)

// TxnRef is a tagged reference to a billing record, written as
// "<source>:<id>" (e.g. "receipt:42"). The tag is parsed and validated
// explicitly; callers never infer the record type from the numeric value.
type TxnRef struct {
	Source TxnSource `json:"source"`
	ID     int64     `json:"id"`
}

// ParseTxnRef parses and validates a "<source>:<id>" reference.
func ParseTxnRef(s string) (TxnRef, error) {
	src, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return TxnRef{}, fmt.Errorf("payment ref %q: want <source>:<id>", s)
	}

	switch TxnSource(src) {
	case TxnReceipt, TxnInvoice, TxnAdjustment:
	default:
		return TxnRef{}, fmt.Errorf("payment ref %q: unknown source %q", s, src)
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return TxnRef{}, fmt.Errorf("payment ref %q: invalid id %q", s, idStr)
	}

	return TxnRef{Source: TxnSource(src), ID: id}, nil
}

func (r TxnRef) String() string {
	return fmt.Sprintf("%s:%d", r.Source, r.ID)
}
