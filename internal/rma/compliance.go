package rma

import (
	"math"
	"strconv"
)

// Totals holds aggregated regulated content. Values keep full precision;
// use Rounded or Format for presentation.
type Totals struct {
	WeightGrams float64 `json:"weight_grams"`
	THCMg       float64 `json:"thc_mg"`
	CBDMg       float64 `json:"cbd_mg"`
}

// Aggregate sums weight, THC and CBD across items, each scaled by its
// effective quantity. Missing fields count as zero.
func Aggregate(items []RegulatedItem) Totals {
	var totals Totals
	for _, item := range items {
		qty := item.EffectiveQuantity()
		totals.WeightGrams += valueOrZero(item.WeightGrams) * qty
		totals.THCMg += valueOrZero(item.THCMg) * qty
		totals.CBDMg += valueOrZero(item.CBDMg) * qty
	}
	return totals
}

// CountTracked counts items bearing a non-empty state tracking identifier.
func CountTracked(items []RegulatedItem) int {
	count := 0
	for _, item := range items {
		if item.IsTracked() {
			count++
		}
	}
	return count
}

// TrackedItems returns the subset of items that must be reported.
func TrackedItems(items []RegulatedItem) []RegulatedItem {
	tracked := make([]RegulatedItem, 0, len(items))
	for _, item := range items {
		if item.IsTracked() {
			tracked = append(tracked, item)
		}
	}
	return tracked
}

// Rounded returns the totals rounded to two decimal places.
func (t Totals) Rounded() Totals {
	return Totals{
		WeightGrams: round2(t.WeightGrams),
		THCMg:       round2(t.THCMg),
		CBDMg:       round2(t.CBDMg),
	}
}

// FormattedTotals is the two-decimal string form shown on reports.
type FormattedTotals struct {
	WeightGrams string `json:"weight_grams"`
	THCMg       string `json:"thc_mg"`
	CBDMg       string `json:"cbd_mg"`
}

// Format renders each total with two decimals.
func (t Totals) Format() FormattedTotals {
	return FormattedTotals{
		WeightGrams: strconv.FormatFloat(t.WeightGrams, 'f', 2, 64),
		THCMg:       strconv.FormatFloat(t.THCMg, 'f', 2, 64),
		CBDMg:       strconv.FormatFloat(t.CBDMg, 'f', 2, 64),
	}
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
