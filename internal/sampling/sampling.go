// Package sampling sizes and draws verification and outreach samples from an
// already resolved population.
//
// FULL_LIST keeps every record outside the excluded admin areas. RANDOM
// filters the population, sizes the sample for the requested confidence and
// margin of error, and draws that many records uniformly without
// replacement.
package sampling

import (
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat/distuv"

	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
)

// Mode selects how a sample is drawn.
type Mode string

const (
	ModeFullList Mode = "FULL_LIST"
	ModeRandom   Mode = "RANDOM"
)

func (m Mode) IsValid() bool {
	return m == ModeFullList || m == ModeRandom
}

// proportion maximises the variance p(1-p) of an unknown proportion.
const proportion = 0.5

// overSampling inflates the sample to absorb non-response.
const overSampling = 1.5

var sampleSizes = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "targeting_sample_size",
	Help:    "Records drawn per sample, by mode",
	Buckets: prometheus.ExponentialBuckets(1, 4, 10),
}, []string{"mode"})

// AgeRange is an inclusive age filter in whole years. A nil bound is open.
type AgeRange struct {
	Min *int
	Max *int
}

func (a AgeRange) contains(age *int) bool {
	if age == nil {
		return false
	}
	if a.Min != nil && *age < *a.Min {
		return false
	}
	if a.Max != nil && *age > *a.Max {
		return false
	}
	return true
}

type FullListArguments struct {
	ExcludedAdminAreas []id.AdminAreaID
}

type RandomArguments struct {
	ConfidenceInterval float64
	MarginOfError      float64
	Age                *AgeRange
	Sex                id.Sex
	ExcludedAdminAreas []id.AdminAreaID
	// RequiredSize overrides the computed sample size when positive.
	RequiredSize int
	// Seed makes the draw reproducible.
	Seed *uint64
}

// Arguments are the caller-supplied sampling parameters.
type Arguments struct {
	Mode     Mode
	FullList *FullListArguments
	Random   *RandomArguments
}

// Validate rejects arguments that cannot produce a sample. It runs before any
// computation so a zero margin of error never reaches the formula.
func (a Arguments) Validate() error {
	switch a.Mode {
	case ModeFullList:
		return nil
	case ModeRandom:
	default:
		return invalid("sampling must be FULL_LIST or RANDOM")
	}
	r := a.Random
	if r == nil {
		return invalid("random sampling arguments are required")
	}
	if err := validateConfidence(r.ConfidenceInterval, r.MarginOfError); err != nil {
		return err
	}
	if r.Sex != "" && !r.Sex.IsValid() {
		return invalid("sex must be MALE, FEMALE, OTHER or NOT_COLLECTED")
	}
	if r.Age != nil {
		if (r.Age.Min != nil && *r.Age.Min < 0) || (r.Age.Max != nil && *r.Age.Max < 0) {
			return invalid("age bounds cannot be negative")
		}
		if r.Age.Min != nil && r.Age.Max != nil && *r.Age.Min > *r.Age.Max {
			return invalid("age min cannot exceed age max")
		}
	}
	if r.RequiredSize < 0 {
		return invalid("required sample size cannot be negative")
	}
	return nil
}

func validateConfidence(confidence, margin float64) error {
	if math.IsNaN(confidence) || confidence <= 0 || confidence >= 1 {
		return invalid("confidence interval must be between 0 and 1")
	}
	if math.IsNaN(margin) || math.IsInf(margin, 0) || margin <= 0 {
		return invalid("margin of error must be greater than 0")
	}
	return nil
}

// NumberOfSamples returns how many records to draw from a population of
// populationSize for the given two-tailed confidence and margin of error. The
// result never exceeds the population.
func NumberOfSamples(populationSize int, confidence, margin float64) (int, error) {
	if err := validateConfidence(confidence, margin); err != nil {
		return 0, err
	}
	if populationSize <= 0 {
		return 0, nil
	}
	z := distuv.UnitNormal.Quantile(confidence + (1-confidence)/2)
	theoretical := z * z * proportion * (1 - proportion) / (margin * margin)
	n := float64(populationSize)
	finite := int(math.Ceil(n * theoretical / (theoretical + n) * overSampling))
	return min(finite, populationSize), nil
}

// Record is one member of a sampling population. Age is in whole years and
// nil when unknown.
type Record struct {
	ID          uuid.UUID
	AdminAreaID id.AdminAreaID
	Sex         id.Sex
	Age         *int
}

// Result is a drawn sample. NumberOfRecipients is the size of the population
// after filtering; Records keep population order.
type Result struct {
	NumberOfRecipients int
	SampleSize         int
	Records            []Record
}

// IDs returns the identifiers of the sampled records.
func (r Result) IDs() []uuid.UUID {
	out := make([]uuid.UUID, len(r.Records))
	for i, rec := range r.Records {
		out[i] = rec.ID
	}
	return out
}

// Sample filters records and draws a sample according to args.
func Sample(records []Record, args Arguments) (Result, error) {
	if err := args.Validate(); err != nil {
		return Result{}, err
	}
	if args.Mode == ModeFullList {
		var excluded []id.AdminAreaID
		if args.FullList != nil {
			excluded = args.FullList.ExcludedAdminAreas
		}
		population := filter(records, func(r Record) bool {
			return !slices.Contains(excluded, r.AdminAreaID)
		})
		sampleSizes.WithLabelValues(string(ModeFullList)).Observe(float64(len(population)))
		return Result{NumberOfRecipients: len(population), SampleSize: len(population), Records: population}, nil
	}

	ra := args.Random
	population := filter(records, func(r Record) bool {
		if slices.Contains(ra.ExcludedAdminAreas, r.AdminAreaID) {
			return false
		}
		if ra.Sex != "" && r.Sex != ra.Sex {
			return false
		}
		if ra.Age != nil && !ra.Age.contains(r.Age) {
			return false
		}
		return true
	})

	size := ra.RequiredSize
	if size > len(population) {
		return Result{}, dErrors.New(dErrors.CodeInvalidSampling, "required sample size exceeds the filtered population")
	}
	if size == 0 {
		var err error
		size, err = NumberOfSamples(len(population), ra.ConfidenceInterval, ra.MarginOfError)
		if err != nil {
			return Result{}, err
		}
	}
	drawn := draw(population, size, newSource(ra.Seed))
	sampleSizes.WithLabelValues(string(ModeRandom)).Observe(float64(len(drawn)))
	return Result{NumberOfRecipients: len(population), SampleSize: len(drawn), Records: drawn}, nil
}

func filter(records []Record, keep func(Record) bool) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func invalid(msg string) error {
	return dErrors.New(dErrors.CodeInvalidSampling, msg)
}

// AgeAt returns the age in whole years on asOf, or nil for an unknown birth
// date.
func AgeAt(birthDate, asOf time.Time) *int {
	if birthDate.IsZero() {
		return nil
	}
	age := asOf.Year() - birthDate.Year()
	if asOf.Month() < birthDate.Month() || (asOf.Month() == birthDate.Month() && asOf.Day() < birthDate.Day()) {
		age--
	}
	return &age
}
