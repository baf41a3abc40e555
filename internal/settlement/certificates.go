package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrCertificateNotFound = errors.New("certificate not found")

// CertificateIssuer issues the buyer's title certificate for a SETTLED case
type CertificateIssuer interface {
	Issue(ctx context.Context, c SettlementCase) (*Certificate, error)
}

// DatabaseIssuer stores certificates alongside the settlement. Issuing twice
// for one settlement returns the first certificate.
type DatabaseIssuer struct {
	db  *Database
	now func() time.Time
}

func NewDatabaseIssuer(db *Database) *DatabaseIssuer {
	return &DatabaseIssuer{db: db, now: time.Now}
}

func (i *DatabaseIssuer) Issue(ctx context.Context, c SettlementCase) (*Certificate, error) {
	if c.Status != StatusSettled {
		return nil, fmt.Errorf("settlement %s is %s, certificates are only issued when SETTLED", c.SettlementID, c.Status)
	}

	issuedAt := i.now().UTC()
	if c.SettledAt != nil {
		issuedAt = c.SettledAt.UTC()
	}
	cert := &Certificate{
		CertificateID: "CRT_" + uuid.New().String(),
		SettlementID:  c.SettlementID,
		OrderID:       c.OrderID,
		HolderID:      c.BuyerID,
		VaultHubID:    c.VaultHubID,
		WeightOz:      c.WeightOz,
		Fingerprint:   certificateFingerprint(c, issuedAt),
		IssuedAt:      issuedAt,
	}
	if err := i.db.CreateCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("failed to store certificate: %w", err)
	}
	return i.db.GetCertificate(ctx, c.SettlementID)
}

// certificateFingerprint binds the certificate to the settled economics
func certificateFingerprint(c SettlementCase, issuedAt time.Time) string {
	canonical := strings.Join([]string{
		c.SettlementID,
		c.OrderID,
		c.BuyerID,
		c.VaultHubID,
		c.WeightOz.String(),
		fmt.Sprintf("%d", c.NotionalCents),
		c.Currency,
		issuedAt.Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
