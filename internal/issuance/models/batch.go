package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"credmint/internal/issuance/merkle"
)

// BatchCommit is the permanent record of one anchored batch root.
type BatchCommit struct {
	BatchID         uuid.UUID
	IssuerID        string
	BatchSequence   int64
	Root            merkle.Digest
	ExpirationEpoch int64
	TxReference     string
	TxFee           *big.Int
	RecordCount     int
	CreatedAt       time.Time
}

// FeeOrZero returns TxFee, or zero when the estimate was unavailable.
func (c BatchCommit) FeeOrZero() *big.Int {
	if c.TxFee == nil {
		return new(big.Int)
	}
	return c.TxFee
}

// BatchContext is everything a chunk job needs to run without shared state.
type BatchContext struct {
	BatchID       uuid.UUID     `json:"batchId"`
	IssuerID      string        `json:"issuerId"`
	BatchSequence int64         `json:"batchSequence"`
	Root          merkle.Digest `json:"root"`
	TxReference   string        `json:"txReference"`
	TemplateDir   string        `json:"templateDir"`
	Layout        LayoutParams  `json:"layout"`
	TotalRecords  int           `json:"totalRecords"`
}
