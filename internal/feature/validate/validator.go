// Package validate runs data-quality checks over batches of persisted
// feature records before they are handed to training.
package validate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/retain/internal/registry"
	"github.com/smallbiznis/retain/internal/store/offline"
)

const (
	// defaultCompleteness is the minimum share of records that must carry
	// a value for each configured feature.
	defaultCompleteness = 0.95

	// defaultStabilityTolerance bounds the coefficient of variation of
	// per-partition feature means.
	defaultStabilityTolerance = 0.5

	// Label balance outside these bounds usually means a labeling defect
	// rather than real churn behavior.
	minChurnRate = 0.05
	maxChurnRate = 0.95
)

// Check is one validation outcome with its violations, if any.
type Check struct {
	Name       string
	Passed     bool
	Violations []string
}

// Report aggregates all checks from one validation run.
type Report struct {
	Checks []Check
}

// Passed reports whether every check passed.
func (r Report) Passed() bool {
	for _, check := range r.Checks {
		if !check.Passed {
			return false
		}
	}
	return true
}

// Validator checks feature batches against the registry's definitions.
type Validator struct {
	registry *registry.Registry
	log      *zap.Logger

	completeness float64
	stabilityTol float64
}

func New(reg *registry.Registry, log *zap.Logger) *Validator {
	return &Validator{
		registry:     reg,
		log:          log.Named("feature.validate"),
		completeness: defaultCompleteness,
		stabilityTol: defaultStabilityTolerance,
	}
}

// Validate runs every check over the batch and returns the full report;
// a failing check never short-circuits the others.
func (v *Validator) Validate(records []offline.Record) Report {
	report := Report{
		Checks: []Check{
			v.checkCompleteness(records),
			v.checkRanges(records),
			v.checkDuplicates(records),
			v.checkStability(records),
			v.checkLabelBalance(records),
		},
	}

	for _, check := range report.Checks {
		if check.Passed {
			continue
		}
		v.log.Warn("validation check failed",
			zap.String("check", check.Name),
			zap.Strings("violations", check.Violations),
		)
	}
	return report
}

// checkCompleteness flags features missing from too many records.
func (v *Validator) checkCompleteness(records []offline.Record) Check {
	check := Check{Name: "completeness", Passed: true}
	if len(records) == 0 {
		return check
	}

	counts := make(map[string]int)
	for _, record := range records {
		for name := range record.Values {
			counts[name]++
		}
	}

	total := float64(len(records))
	for _, name := range v.registry.FeatureNames() {
		ratio := float64(counts[name]) / total
		if ratio < v.completeness {
			check.Passed = false
			check.Violations = append(check.Violations,
				fmt.Sprintf("%s: present in %.1f%% of records, need %.1f%%", name, ratio*100, v.completeness*100))
		}
	}
	return check
}

// checkRanges verifies values lie inside the bounds implied by each
// feature's definition.
func (v *Validator) checkRanges(records []offline.Record) Check {
	check := Check{Name: "ranges", Passed: true}

	outOfRange := make(map[string]int)
	for _, record := range records {
		for name, value := range record.Vector().Values {
			spec, err := v.registry.Feature(name)
			if err != nil {
				continue
			}
			lo, hi := rangeFor(spec)
			if value < lo || value > hi {
				outOfRange[name]++
			}
		}
	}

	names := make([]string, 0, len(outOfRange))
	for name := range outOfRange {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, _ := v.registry.Feature(name)
		lo, hi := rangeFor(spec)
		check.Passed = false
		check.Violations = append(check.Violations,
			fmt.Sprintf("%s: %d values out of range [%g, %g]", name, outOfRange[name], lo, hi))
	}
	return check
}

// checkDuplicates flags repeated (entity_id, as_of) keys inside the batch.
func (v *Validator) checkDuplicates(records []offline.Record) Check {
	check := Check{Name: "duplicates", Passed: true}

	type key struct {
		entityID int64
		asOf     time.Time
	}
	seen := make(map[key]bool, len(records))
	duplicates := 0
	for _, record := range records {
		k := key{entityID: record.EntityID, asOf: record.AsOf.UTC()}
		if seen[k] {
			duplicates++
		}
		seen[k] = true
	}

	if duplicates > 0 {
		check.Passed = false
		check.Violations = append(check.Violations,
			fmt.Sprintf("%d duplicate (entity, as_of) keys", duplicates))
	}
	return check
}

// checkStability compares per-partition feature means; a high coefficient
// of variation across partitions suggests drift or a pipeline defect.
func (v *Validator) checkStability(records []offline.Record) Check {
	check := Check{Name: "stability", Passed: true}

	sums := make(map[string]map[string]float64)
	counts := make(map[string]map[string]int)
	for _, record := range records {
		for name, value := range record.Vector().Values {
			if sums[name] == nil {
				sums[name] = make(map[string]float64)
				counts[name] = make(map[string]int)
			}
			sums[name][record.PartitionKey] += value
			counts[name][record.PartitionKey]++
		}
	}

	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if len(sums[name]) < 2 {
			continue
		}
		means := make([]float64, 0, len(sums[name]))
		for partition, sum := range sums[name] {
			means = append(means, sum/float64(counts[name][partition]))
		}
		cv := coefficientOfVariation(means)
		if cv > v.stabilityTol {
			check.Passed = false
			check.Violations = append(check.Violations,
				fmt.Sprintf("%s: mean varies across partitions (cv=%.3f, tolerance=%.3f)", name, cv, v.stabilityTol))
		}
	}
	return check
}

// checkLabelBalance flags a churn rate extreme enough to suggest a labeling
// defect. Batches without labels pass vacuously.
func (v *Validator) checkLabelBalance(records []offline.Record) Check {
	check := Check{Name: "label_balance", Passed: true}

	labeled, churned := 0, 0
	for _, record := range records {
		label := record.Label()
		if label == nil {
			continue
		}
		labeled++
		if label.Churned {
			churned++
		}
	}
	if labeled == 0 {
		return check
	}

	rate := float64(churned) / float64(labeled)
	if rate < minChurnRate || rate > maxChurnRate {
		check.Passed = false
		check.Violations = append(check.Violations,
			fmt.Sprintf("churn rate %.1f%% outside [%.0f%%, %.0f%%]", rate*100, minChurnRate*100, maxChurnRate*100))
	}
	return check
}

func rangeFor(spec registry.FeatureSpec) (float64, float64) {
	if spec.Type == registry.TypeBinary {
		return 0, 1
	}
	if spec.Aggregation == registry.AggDaysSince {
		return 0, registry.NoHistorySentinel
	}
	return 0, math.Inf(1)
}

func coefficientOfVariation(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	if mean <= 0 {
		return 0
	}

	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / float64(len(values)-1))
	return std / mean
}
