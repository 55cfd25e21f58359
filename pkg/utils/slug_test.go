package utils

import "testing"

func TestGenerateJobSlug(t *testing.T) {
	tests := []struct {
		name    string
		jobName string
		want    string
	}{
		{"simple name", "Load Historical Prices", "load-historical-prices"},
		{"extra spaces", "  Fetch   FX Rates  ", "fetch-fx-rates"},
		{"accented characters", "Café Données", "cafe-donnees"},
		{"punctuation", "EOD: Prices & Volumes!", "eod-prices-and-volumes"},
		{"empty name", "", "job"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GenerateJobSlug(tt.jobName); got != tt.want {
				t.Errorf("GenerateJobSlug(%q) = %q, want %q", tt.jobName, got, tt.want)
			}
		})
	}
}
