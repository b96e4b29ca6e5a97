package entities

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/txspend/backend/internal/metrics"
	"github.com/txspend/backend/internal/storage/postgres"
	"github.com/txspend/backend/pkg/logger"
)

// EntityType names one of the dataset's coded dimensions.
type EntityType string

const (
	TypeAgency            EntityType = "agency"
	TypeCategory          EntityType = "category"
	TypeFund              EntityType = "fund"
	TypeApplicationFund   EntityType = "application_fund"
	TypeAppropriation     EntityType = "appropriation"
	TypePayee             EntityType = "payee"
	TypeComptrollerObject EntityType = "comptroller_object"
)

var searchFns = map[EntityType]string{
	TypeAgency:            postgres.FnSearchAgencies,
	TypeCategory:          postgres.FnSearchCategories,
	TypeFund:              postgres.FnSearchFunds,
	TypeApplicationFund:   postgres.FnSearchApplicationFunds,
	TypeAppropriation:     postgres.FnSearchAppropriations,
	TypePayee:             postgres.FnSearchPayees,
	TypeComptrollerObject: postgres.FnSearchComptrollerObjects,
}

// Types lists every resolvable entity type, in tool-catalogue order.
func Types() []EntityType {
	return []EntityType{
		TypeAgency, TypeCategory, TypeFund, TypeApplicationFund,
		TypeAppropriation, TypePayee, TypeComptrollerObject,
	}
}

type LookupStatus string

const (
	StatusFound     LookupStatus = "found"
	StatusAmbiguous LookupStatus = "ambiguous"
	StatusNotFound  LookupStatus = "not_found"
	StatusError     LookupStatus = "error"
)

// Candidate is one ranked match presented to the orchestrator.
type Candidate struct {
	Name       string  `json:"name"`
	Code       string  `json:"code"`
	Similarity float64 `json:"similarity"`
}

// LookupResult is always data, never an error: the orchestrator has to be
// able to relay a failed lookup conversationally and keep going.
type LookupResult struct {
	Status     LookupStatus `json:"status"`
	EntityType EntityType   `json:"entityType"`
	Candidates []Candidate  `json:"candidates,omitempty"`
	Message    string       `json:"message"`
}

type fuzzySearcher interface {
	FuzzySearch(ctx context.Context, fn, term string) ([]postgres.Candidate, error)
}

type lookupCache interface {
	GetEntityLookup(ctx context.Context, entityType, term string, result interface{}) (bool, error)
	SetEntityLookup(ctx context.Context, entityType, term string, result interface{}, ttl time.Duration) error
}

type Resolver struct {
	db            fuzzySearcher
	cache         lookupCache
	cacheTTL      time.Duration
	maxCandidates int
}

// NewResolver builds a resolver. cache may be nil, in which case every
// lookup goes to the database.
func NewResolver(db fuzzySearcher, cache lookupCache, cacheTTL time.Duration, maxCandidates int) *Resolver {
	if maxCandidates <= 0 {
		maxCandidates = 10
	}
	return &Resolver{
		db:            db,
		cache:         cache,
		cacheTTL:      cacheTTL,
		maxCandidates: maxCandidates,
	}
}

// Lookup resolves a free-text term to candidate codes for one entity type.
// Zero matches collapse to not_found, exactly one auto-resolves, several
// become a disambiguation list ordered by descending similarity. There is
// no retry: the remote trigram search either answers or the failure is
// reported as data.
func (r *Resolver) Lookup(ctx context.Context, entityType EntityType, term string) LookupResult {
	fn, ok := searchFns[entityType]
	if !ok {
		return LookupResult{
			Status:     StatusError,
			EntityType: entityType,
			Message:    fmt.Sprintf("Error: unknown entity type %q", entityType),
		}
	}

	term = strings.TrimSpace(term)
	if term == "" {
		return LookupResult{
			Status:     StatusError,
			EntityType: entityType,
			Message:    "Error: empty search term",
		}
	}

	if r.cache != nil {
		var cached LookupResult
		hit, err := r.cache.GetEntityLookup(ctx, string(entityType), term, &cached)
		if err != nil {
			logger.Warn("Entity cache read failed", zap.Error(err))
		}
		if hit {
			metrics.CacheHits.WithLabelValues("entity").Inc()
			return cached
		}
		metrics.CacheMisses.WithLabelValues("entity").Inc()
	}

	candidates, err := r.db.FuzzySearch(ctx, fn, term)
	if err != nil {
		logger.Error("Entity lookup failed",
			zap.String("entity_type", string(entityType)),
			zap.String("term", term),
			zap.Error(err),
		)
		return LookupResult{
			Status:     StatusError,
			EntityType: entityType,
			Message:    fmt.Sprintf("Error: %s lookup for %q failed", entityType, term),
		}
	}

	result := r.collapse(entityType, term, candidates)

	if r.cache != nil && result.Status != StatusError {
		if err := r.cache.SetEntityLookup(ctx, string(entityType), term, result, r.cacheTTL); err != nil {
			logger.Warn("Entity cache write failed", zap.Error(err))
		}
	}

	return result
}

func (r *Resolver) collapse(entityType EntityType, term string, found []postgres.Candidate) LookupResult {
	if len(found) > r.maxCandidates {
		found = found[:r.maxCandidates]
	}

	switch len(found) {
	case 0:
		return LookupResult{
			Status:     StatusNotFound,
			EntityType: entityType,
			Message:    fmt.Sprintf("No %s found matching %q. Ask the user to check the spelling or try a broader term.", entityType, term),
		}
	case 1:
		c := found[0]
		return LookupResult{
			Status:     StatusFound,
			EntityType: entityType,
			Candidates: []Candidate{{Name: c.Name, Code: c.Code, Similarity: c.Similarity}},
			Message:    fmt.Sprintf("Resolved %q to %s (code %s).", term, c.Name, c.Code),
		}
	}

	candidates := make([]Candidate, 0, len(found))
	var names []string
	for _, c := range found {
		candidates = append(candidates, Candidate{Name: c.Name, Code: c.Code, Similarity: c.Similarity})
		names = append(names, fmt.Sprintf("%s (code %s)", c.Name, c.Code))
	}

	return LookupResult{
		Status:     StatusAmbiguous,
		EntityType: entityType,
		Candidates: candidates,
		Message:    fmt.Sprintf("Multiple matches for %q: %s. Ask the user which one they mean.", term, strings.Join(names, "; ")),
	}
}
