package service

import (
	"github.com/google/uuid"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/models"
)

// IssueRequest is one batch submitted by an issuer. Records are issued in the
// order given; their Index is assigned from that order.
type IssueRequest struct {
	IssuerID  string
	Records   []models.CertificateRecord
	Templates []models.Template
	Layout    models.LayoutParams
}

// IssuedCertificate is the per-record part of a successful batch.
type IssuedCertificate struct {
	CertificateNumber string        `json:"certificateNumber"`
	URL               string        `json:"url"`
	CombinedHash      merkle.Digest `json:"combinedHash"`
}

// IssueResult is returned for a fully issued batch.
type IssueResult struct {
	Status          string              `json:"status"`
	BatchID         uuid.UUID           `json:"batchId"`
	BatchSequence   int64               `json:"batchSequence"`
	Root            merkle.Digest       `json:"root"`
	RootTxReference string              `json:"rootTxReference"`
	RootTxURL       string              `json:"rootTxUrl,omitempty"`
	TxFee           string              `json:"txFee"`
	ExpirationEpoch int64               `json:"expirationEpoch"`
	Certificates    []IssuedCertificate `json:"certificates"`
}

const StatusIssued = "issued"
