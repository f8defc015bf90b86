package lifecycle

import (
	"dealer-posting-engine/internal/models"
)

// AttemptContext is the input to risk assessment for one posting attempt.
type AttemptContext struct {
	HasMedia       bool
	HasPrice       bool
	HasDescription bool
	AttemptNumber  int
}

// AssessRisk derives risk factors from the attempt context. It is a pure
// function: same context, same factors.
func AssessRisk(ctx AttemptContext) []models.RiskFactor {
	var factors []models.RiskFactor
	if !ctx.HasMedia {
		factors = append(factors, models.RiskFactor{
			Factor:   "missing_media",
			Severity: models.RiskHigh,
			Message:  "listing has no photos",
		})
	}
	if !ctx.HasPrice {
		factors = append(factors, models.RiskFactor{
			Factor:   "missing_price",
			Severity: models.RiskMedium,
			Message:  "listing has no price",
		})
	}
	if !ctx.HasDescription {
		factors = append(factors, models.RiskFactor{
			Factor:   "missing_description",
			Severity: models.RiskLow,
			Message:  "listing has no description",
		})
	}
	if ctx.AttemptNumber > 2 {
		factors = append(factors, models.RiskFactor{
			Factor:   "repeated_attempts",
			Severity: models.RiskMedium,
			Message:  "third or later attempt for this vehicle",
		})
	}
	return factors
}

// AggregateRisk folds factors into a single level:
// critical if any critical factor; else high if more than one high factor;
// else medium if any factor exists; else low.
func AggregateRisk(factors []models.RiskFactor) string {
	highs := 0
	for _, f := range factors {
		switch f.Severity {
		case models.RiskCritical:
			return models.RiskCritical
		case models.RiskHigh:
			highs++
		}
	}
	if highs > 1 {
		return models.RiskHigh
	}
	if len(factors) > 0 {
		return models.RiskMedium
	}
	return models.RiskLow
}
