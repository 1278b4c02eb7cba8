package integration

import (
	"math"

	"github.com/verdant-pos/verdant/internal/rma"
)

type destroyedPackage struct {
	Tag           string  `json:"tag"`
	Quantity      float64 `json:"quantity"`
	UnitOfMeasure string  `json:"unit_of_measure"`
	WeightGrams   float64 `json:"weight_grams,omitempty"`
	THCMg         float64 `json:"thc_mg,omitempty"`
	BatchNumber   string  `json:"batch_number,omitempty"`
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

// packagesFromItems keeps only tracked items and scales content by quantity.
func packagesFromItems(items []rma.RegulatedItem) []destroyedPackage {
	packages := make([]destroyedPackage, 0, len(items))
	for _, item := range items {
		if !item.IsTracked() {
			continue
		}
		qty := item.EffectiveQuantity()
		pkg := destroyedPackage{
			Tag:           item.StateTrackingID,
			Quantity:      qty,
			UnitOfMeasure: "Each",
			BatchNumber:   item.BatchNumber,
		}
		if item.WeightGrams != nil {
			pkg.UnitOfMeasure = "Grams"
			pkg.WeightGrams = round2(*item.WeightGrams * qty)
		}
		if item.THCMg != nil {
			pkg.THCMg = round2(*item.THCMg * qty)
		}
		packages = append(packages, pkg)
	}
	return packages
}

// wasteMethod maps destruction methods onto the state's vocabulary.
func wasteMethod(m rma.DestructionMethod) string {
	switch m {
	case rma.MethodIncineration:
		return "Incinerate"
	case rma.MethodComposting:
		return "Compost"
	case rma.MethodGrindingWithWaste:
		return "Grind and Mix"
	default:
		return "Other"
	}
}
