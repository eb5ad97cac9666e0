// Package resolver selects the single applicable MappedField for a
// (provider, canonical field, company, as-of date) query from a set of
// scoped mapping rows. Resolution is deterministic and read-only: given the
// same snapshot and query it always returns the same row, or a defined
// not-found/ambiguity error. It never guesses between tied candidates.
package resolver

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sells-group/valuation-cli/internal/model"
)

// NotFoundError reports that no mapping row covers the query.
type NotFoundError struct {
	ProviderID    int64
	CanonicalCode int
	CompanyID     string
	AsOf          time.Time
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resolver: no mapping for provider %d, field code %d, company %s as of %s",
		e.ProviderID, e.CanonicalCode, e.CompanyID, e.AsOf.Format("2006-01-02"))
}

// AmbiguousError reports two or more candidates tied at the top rank after
// all tie-breaks. This is a configuration defect for an administrator to
// resolve; retrying cannot help.
type AmbiguousError struct {
	ProviderID    int64
	CanonicalCode int
	CompanyID     string
	AsOf          time.Time
	CandidateIDs  []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("resolver: %d mappings tied for provider %d, field code %d, company %s as of %s",
		len(e.CandidateIDs), e.ProviderID, e.CanonicalCode, e.CompanyID, e.AsOf.Format("2006-01-02"))
}

// Resolver resolves mapping queries against one immutable snapshot of a
// provider's mapping table.
type Resolver struct {
	providerID int64
	byCode     map[int][]model.MappedField
}

// New indexes a provider's mapping rows for resolution. The slice is the
// snapshot; callers must not mutate it afterwards.
func New(providerID int64, mappings []model.MappedField) *Resolver {
	byCode := make(map[int][]model.MappedField)
	for _, m := range mappings {
		byCode[m.CanonicalCode] = append(byCode[m.CanonicalCode], m)
	}
	return &Resolver{providerID: providerID, byCode: byCode}
}

// Resolve returns the single mapping applicable to the query.
//
// Candidates are the provider's rows for the canonical field whose scope
// covers (companyID, asOf). Ranking among them: company-specific beats
// provider-wide; then a strictly narrower date interval beats a wider one;
// then the later start date wins. Remaining ties fail with AmbiguousError.
func (r *Resolver) Resolve(canonicalCode int, companyID string, asOf time.Time) (*model.MappedField, error) {
	var candidates []model.MappedField
	for _, m := range r.byCode[canonicalCode] {
		if m.AppliesTo(companyID, asOf) {
			candidates = append(candidates, m)
		}
	}

	if len(candidates) == 0 {
		return nil, &NotFoundError{ProviderID: r.providerID, CanonicalCode: canonicalCode, CompanyID: companyID, AsOf: asOf}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return moreSpecific(candidates[i], candidates[j])
	})

	if len(candidates) > 1 && rankEqual(candidates[0], candidates[1]) {
		amb := &AmbiguousError{ProviderID: r.providerID, CanonicalCode: canonicalCode, CompanyID: companyID, AsOf: asOf}
		for _, c := range candidates {
			if rankEqual(c, candidates[0]) {
				amb.CandidateIDs = append(amb.CandidateIDs, c.ID)
			}
		}
		return nil, amb
	}

	best := candidates[0]
	return &best, nil
}

// intervalWidth returns the width of a mapping's validity window. Any open
// bound makes the window infinitely wide.
func intervalWidth(m model.MappedField) float64 {
	if m.StartDate == nil || m.EndDate == nil {
		return math.Inf(1)
	}
	return m.EndDate.Sub(*m.StartDate).Hours()
}

// startRank orders start dates with "no start" as the oldest possible.
func startRank(m model.MappedField) time.Time {
	if m.StartDate == nil {
		return time.Time{}
	}
	return *m.StartDate
}

// moreSpecific reports whether a outranks b.
func moreSpecific(a, b model.MappedField) bool {
	if a.CompanyScoped() != b.CompanyScoped() {
		return a.CompanyScoped()
	}
	wa, wb := intervalWidth(a), intervalWidth(b)
	if wa != wb {
		return wa < wb
	}
	return startRank(a).After(startRank(b))
}

// rankEqual reports whether a and b are indistinguishable under every
// tie-break.
func rankEqual(a, b model.MappedField) bool {
	return a.CompanyScoped() == b.CompanyScoped() &&
		intervalWidth(a) == intervalWidth(b) &&
		startRank(a).Equal(startRank(b))
}
