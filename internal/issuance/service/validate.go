package service

import (
	"fmt"
	"sort"

	"credmint/internal/issuance/models"
	"credmint/internal/issuance/storage"
	dErrors "credmint/pkg/domain-errors"
	"credmint/pkg/platform/strings"
)

// validate checks a request without touching any collaborator and returns the
// records re-indexed by position and the layout with defaults applied.
func (s *Service) validate(req IssueRequest) ([]models.CertificateRecord, models.LayoutParams, error) {
	if req.IssuerID == "" {
		return nil, models.LayoutParams{}, dErrors.New(dErrors.CodeBadRequest, "issuer is required")
	}
	if len(req.Records) == 0 {
		return nil, models.LayoutParams{}, invalid("empty_batch", "batch has no records")
	}
	if len(req.Records) != len(req.Templates) {
		return nil, models.LayoutParams{}, invalid("template_count_mismatch", "record and template counts differ",
			fmt.Sprintf("%d records, %d templates", len(req.Records), len(req.Templates)))
	}

	records := make([]models.CertificateRecord, len(req.Records))
	ids := make([]string, len(req.Records))
	var badIDs []string
	for i, r := range req.Records {
		r.Index = i
		records[i] = r
		ids[i] = r.DocumentID
		if r.DocumentID == "" {
			badIDs = append(badIDs, fmt.Sprintf("record %d has no document id", i))
		} else if err := storage.ValidateKey(r.DocumentID); err != nil {
			badIDs = append(badIDs, fmt.Sprintf("record %d: document id %q is not usable as a file name", i, r.DocumentID))
		}
	}
	if len(badIDs) > 0 {
		return nil, models.LayoutParams{}, invalid("invalid_document_id", "invalid document id", badIDs...)
	}
	if dups := strings.Duplicates(ids); len(dups) > 0 {
		return nil, models.LayoutParams{}, invalid("duplicate_document_id", "duplicate document ids", dups...)
	}

	names := make([]string, len(req.Templates))
	available := make(map[string]struct{}, len(req.Templates))
	for i, t := range req.Templates {
		names[i] = t.DeclaredName()
		available[names[i]] = struct{}{}
	}
	if dups := strings.Duplicates(names); len(dups) > 0 {
		return nil, models.LayoutParams{}, invalid("duplicate_template", "duplicate template names", dups...)
	}
	var missing []string
	for _, r := range records {
		if _, ok := available[r.DocumentID]; !ok {
			missing = append(missing, fmt.Sprintf("no template named %q", r.DocumentID))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, models.LayoutParams{}, invalid("template_missing", "template missing for record", missing...)
	}

	layout := req.Layout.WithDefaults(s.cfg.QRSize, s.cfg.QRForeground, s.cfg.QRBackground)
	if err := layout.Validate(); err != nil {
		return nil, models.LayoutParams{}, invalid("invalid_layout", "invalid layout", err.Error())
	}
	return records, layout, nil
}

func invalid(reason, msg string, details ...string) error {
	return dErrors.New(dErrors.CodeValidation, msg).WithReason(reason).WithDetails(details...)
}

func formatCredits(have int64, need int) string {
	return fmt.Sprintf("%d credits remaining, %d required", have, need)
}
