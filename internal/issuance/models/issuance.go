package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"credmint/internal/issuance/merkle"
)

// IssuanceStatus is the lifecycle state of an issued certificate.
type IssuanceStatus string

const (
	StatusIssued  IssuanceStatus = "issued"
	StatusRevoked IssuanceStatus = "revoked"
)

// IssuanceRecord is the durable row written per stamped certificate.
type IssuanceRecord struct {
	CertificateNumber string
	BatchID           uuid.UUID
	IssuerID          string
	Index             int
	Name              string
	Fields            map[string]string
	LeafHash          merkle.Digest
	Proof             merkle.Proof
	CombinedHash      merkle.Digest
	ArtifactURL       string
	Status            IssuanceStatus
	IssuedAt          time.Time
}

// StatusLog is an append-only status transition row.
type StatusLog struct {
	BatchID           uuid.UUID
	CertificateNumber string
	Status            IssuanceStatus
	Note              string
	CreatedAt         time.Time
}

// IssuanceView is a persisted certificate joined with its batch commit.
type IssuanceView struct {
	Record        IssuanceRecord
	Root          merkle.Digest
	TxReference   string
	BatchSequence int64
}

// Issuer is an organisation allowed to issue certificates.
type Issuer struct {
	ID                 string
	Name               string
	BatchSequence      int64
	CertificatesIssued int64
	TransactionFee     *big.Int
	// ServiceCredits below zero means unlimited.
	ServiceCredits int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasCredits reports whether the issuer may issue n more certificates.
func (i Issuer) HasCredits(n int) bool {
	return i.ServiceCredits < 0 || i.ServiceCredits >= int64(n)
}
