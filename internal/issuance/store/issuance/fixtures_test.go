package issuance_test

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"credmint/internal/issuance/merkle"
	"credmint/internal/issuance/models"
)

// batchFixture builds a committed batch of n certificates with real proofs.
func batchFixture(issuerID string, n int) (models.BatchCommit, []models.IssuanceRecord, []models.StatusLog) {
	batchID := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	certs := make([]models.CertificateRecord, n)
	for i := range certs {
		certs[i] = models.CertificateRecord{
			Index:      i,
			DocumentID: fmt.Sprintf("%s-%d", batchID.String()[:8], i),
			Name:       fmt.Sprintf("Holder %d", i),
			Fields:     map[string]string{"course": "Go"},
		}
	}
	tree, err := merkle.Build(models.HashRecords(certs))
	if err != nil {
		panic(err)
	}

	commit := models.BatchCommit{
		BatchID:       batchID,
		IssuerID:      issuerID,
		BatchSequence: 1,
		Root:          tree.Root(),
		TxReference:   "0x" + batchID.String(),
		TxFee:         big.NewInt(21_000),
		RecordCount:   n,
		CreatedAt:     now,
	}
	records := make([]models.IssuanceRecord, n)
	logs := make([]models.StatusLog, n)
	for i, c := range certs {
		proof, _ := tree.Proof(i)
		leaf := c.Leaf()
		records[i] = models.IssuanceRecord{
			CertificateNumber: c.DocumentID,
			BatchID:           batchID,
			IssuerID:          issuerID,
			Index:             i,
			Name:              c.Name,
			Fields:            c.Fields,
			LeafHash:          leaf,
			Proof:             proof,
			CombinedHash:      merkle.CombinedHash(leaf, tree.Root()),
			ArtifactURL:       "https://cdn.example.com/" + c.DocumentID + ".png",
			Status:            models.StatusIssued,
			IssuedAt:          now,
		}
		logs[i] = models.StatusLog{BatchID: batchID, CertificateNumber: c.DocumentID, Status: models.StatusIssued, CreatedAt: now}
	}
	return commit, records, logs
}
