// Package model defines the domain types shared across the sync pipeline.
package model

import (
	"strings"
	"time"
)

// AdditionalRate is a surcharge-type rate applied on top of the base rate
// (e.g., a Section 301 tranche or a safeguard duty).
type AdditionalRate struct {
	Code        string  `json:"code"`
	Description string  `json:"description,omitempty"`
	Rate        float64 `json:"rate"`
}

// ProgramRate is a preferential rate under a special trade program
// (e.g., a free trade agreement or GSP).
type ProgramRate struct {
	Program     string  `json:"program"`
	Description string  `json:"description,omitempty"`
	Rate        float64 `json:"rate"`
}

// Product is one entry in the tariff catalog, keyed by its HTS code.
// The HTS code is the natural key used to match incoming rows to stored
// products; the numeric ID is internal.
type Product struct {
	ID              int64            `json:"id"`
	HTSCode         string           `json:"hts_code"`
	Description     string           `json:"description"`
	BaseRate        float64          `json:"base_rate"`
	AdditionalRates []AdditionalRate `json:"additional_rates,omitempty"`
	ProgramRates    []ProgramRate    `json:"program_rates,omitempty"`
	Category        string           `json:"category,omitempty"`
	TotalRate       float64          `json:"total_rate"`
	Keywords        []string         `json:"keywords,omitempty"`
	CommonNames     []string         `json:"common_names,omitempty"`
	SearchText      string           `json:"search_text,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// AdditionalRateSum returns the sum of all surcharge rates.
func (p *Product) AdditionalRateSum() float64 {
	var sum float64
	for _, r := range p.AdditionalRates {
		sum += r.Rate
	}
	return sum
}

// ComputeTotalRate recomputes the derived total rate (base + surcharges).
func (p *Product) ComputeTotalRate() float64 {
	return p.BaseRate + p.AdditionalRateSum()
}

// ChapterPrefix returns the leading 2-digit HTS chapter of the code,
// or "" if the code is too short.
func (p *Product) ChapterPrefix() string {
	return ChapterPrefix(p.HTSCode)
}

// ChapterPrefix extracts the 2-digit chapter from an HTS code like
// "1234.56.7890".
func ChapterPrefix(htsCode string) string {
	code := strings.ReplaceAll(htsCode, ".", "")
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

// NormalizeHTSCode canonicalizes an HTS code for matching: trims space and
// strips the dot separators so "1234.56.7890" and "1234567890" compare equal.
func NormalizeHTSCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), ".", "")
}

// ProductSnapshot is the value captured in an ImportChange. It is a closed
// struct rather than a free-form map so rollback can pattern-match a known
// shape.
type ProductSnapshot struct {
	HTSCode         string           `json:"hts_code"`
	Description     string           `json:"description"`
	BaseRate        float64          `json:"base_rate"`
	AdditionalRates []AdditionalRate `json:"additional_rates,omitempty"`
	ProgramRates    []ProgramRate    `json:"program_rates,omitempty"`
	Category        string           `json:"category,omitempty"`
	TotalRate       float64          `json:"total_rate"`
	Keywords        []string         `json:"keywords,omitempty"`
	CommonNames     []string         `json:"common_names,omitempty"`
	SearchText      string           `json:"search_text,omitempty"`
}

// Snapshot captures the current state of a product.
func (p *Product) Snapshot() *ProductSnapshot {
	return &ProductSnapshot{
		HTSCode:         p.HTSCode,
		Description:     p.Description,
		BaseRate:        p.BaseRate,
		AdditionalRates: p.AdditionalRates,
		ProgramRates:    p.ProgramRates,
		Category:        p.Category,
		TotalRate:       p.TotalRate,
		Keywords:        p.Keywords,
		CommonNames:     p.CommonNames,
		SearchText:      p.SearchText,
	}
}

// Apply overwrites the product's catalog fields from the snapshot. The
// internal ID and UpdatedAt are left to the caller.
func (s *ProductSnapshot) Apply(p *Product) {
	p.HTSCode = s.HTSCode
	p.Description = s.Description
	p.BaseRate = s.BaseRate
	p.AdditionalRates = s.AdditionalRates
	p.ProgramRates = s.ProgramRates
	p.Category = s.Category
	p.TotalRate = s.TotalRate
	p.Keywords = s.Keywords
	p.CommonNames = s.CommonNames
	p.SearchText = s.SearchText
}

// CountryRate is a country-specific rate row for a product. TotalRate is
// derived (product base + AdditionalSum) and kept consistent by the cascade.
type CountryRate struct {
	ID            int64     `json:"id"`
	ProductID     int64     `json:"product_id"`
	CountryID     int64     `json:"country_id"`
	AdditionalSum float64   `json:"additional_sum"`
	TotalRate     float64   `json:"total_rate"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Classification is the AI-derived metadata for a product.
type Classification struct {
	Category    string   `json:"category"`
	Keywords    []string `json:"keywords,omitempty"`
	CommonNames []string `json:"common_names,omitempty"`
	SearchTerms []string `json:"search_terms,omitempty"`
	// Source records how the classification was produced: "model" for an
	// AI response, "prefix" for the deterministic chapter fallback.
	Source string `json:"source,omitempty"`
}
