package bill

import (
	"fmt"
	"time"
)

// Type is the utility category of a bill.
type Type string

const (
	TypeElectricity Type = "electricity"
	TypeHotWater    Type = "hot_water"
	TypeWater       Type = "water"
	TypeInternet    Type = "internet"
)

// DisplayOrder is the fixed order bill types appear in summaries and in
// keyword classification.
var DisplayOrder = []Type{TypeElectricity, TypeHotWater, TypeWater, TypeInternet}

// displayNames maps a bill type to its human-readable label.
var displayNames = map[Type]string{
	TypeElectricity: "Electricity",
	TypeHotWater:    "Hot Water",
	TypeWater:       "Water",
	TypeInternet:    "Internet",
}

// Valid reports whether t is a known bill type.
func (t Type) Valid() bool {
	_, ok := displayNames[t]
	return ok
}

// DisplayName returns the human-readable label for the bill type.
func (t Type) DisplayName() string {
	if name, ok := displayNames[t]; ok {
		return name
	}
	return string(t)
}

// ParseType converts a raw string into a bill Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown bill type %q", s)
	}
	return t, nil
}

// Parsed is the structured result of extracting one bill from a PDF.
type Parsed struct {
	Type       Type
	Amount     float64
	IssueDate  time.Time
	Confidence float64
}

// Extracted pairs a parsed bill with the mail provider's message id, the
// natural dedup key for ingestion.
type Extracted struct {
	MessageID string
	Parsed
}
