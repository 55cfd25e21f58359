package utils

import (
	"github.com/gosimple/slug"
)

// NormalizeSlug creates a URL-friendly slug using the gosimple/slug library
// This handles all Unicode characters including accented and non-Latin names
func NormalizeSlug(text string) string {
	if text == "" {
		return ""
	}

	return slug.Make(text)
}

// GenerateJobSlug creates the lookup slug for a job name.
// "Load Historical Prices" -> "load-historical-prices"
func GenerateJobSlug(jobName string) string {
	if jobName == "" {
		return "job"
	}
	return NormalizeSlug(jobName)
}
