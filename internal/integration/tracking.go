package integration

import (
	"context"
	"errors"
	"time"

	"github.com/verdant-pos/verdant/internal/rma"
)

// TrackingClient reports destroyed packages to the state traceability system.
type TrackingClient struct {
	jsonClient
	licenseNumber string
}

// NewTrackingClient constructs a client. licenseNumber identifies the facility.
func NewTrackingClient(baseURL, apiKey, licenseNumber string, timeout time.Duration) *TrackingClient {
	return &TrackingClient{
		jsonClient:    newJSONClient("tracking", baseURL, apiKey, timeout),
		licenseNumber: licenseNumber,
	}
}

var _ rma.TrackingPort = (*TrackingClient)(nil)

type destructionReport struct {
	LicenseNumber string             `json:"license_number"`
	ReportNumber  string             `json:"report_number"`
	Method        string             `json:"waste_method"`
	Location      string             `json:"location"`
	WitnessName   string             `json:"witness_name"`
	WitnessTitle  string             `json:"witness_title,omitempty"`
	Note          string             `json:"note,omitempty"`
	DestroyedAt   time.Time          `json:"destroyed_at"`
	Packages      []destroyedPackage `json:"packages"`
}

type destructionReceipt struct {
	ManifestID string `json:"manifest_id"`
}

// ReportDestruction files the destruction and returns the state manifest id.
func (c *TrackingClient) ReportDestruction(ctx context.Context, items []rma.RegulatedItem, rec rma.DestructionRecord) (string, error) {
	packages := packagesFromItems(items)
	if len(packages) == 0 {
		return "", errors.New("tracking: no tracked packages to report")
	}
	body := destructionReport{
		LicenseNumber: c.licenseNumber,
		ReportNumber:  rec.ReportNumber,
		Method:        wasteMethod(rec.Method),
		Location:      rec.Location,
		WitnessName:   rec.WitnessName,
		WitnessTitle:  rec.WitnessTitle,
		Note:          rec.Notes,
		DestroyedAt:   rec.DestroyedAt.UTC(),
		Packages:      packages,
	}
	var resp destructionReceipt
	if err := c.post(ctx, "/v1/packages/destroy", "destruction:"+rec.ReportNumber, body, &resp); err != nil {
		return "", err
	}
	if resp.ManifestID == "" {
		return "", errors.New("tracking accepted the report without a manifest id")
	}
	return resp.ManifestID, nil
}
