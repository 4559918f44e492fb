package engine

import "ppc-rules-engine/internal/validation"

// ValidateRequest is the body of a validation call. Campaigns is optional;
// when omitted the current snapshot is used.
type ValidateRequest struct {
	Rule      validation.Rule       `json:"rule"`
	Campaigns []validation.Campaign `json:"campaigns,omitempty"`
}

// PredictionResult pairs a campaign with its projected metrics.
type PredictionResult struct {
	CampaignID string                `json:"campaignId"`
	Adjustment float64               `json:"adjustment"`
	Prediction validation.Prediction `json:"prediction"`
}

type snapshot struct {
	campaigns []validation.Campaign
	byID      map[string]int
	rules     []validation.Rule
}
