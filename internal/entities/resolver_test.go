package entities

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txspend/backend/internal/storage/postgres"
	"github.com/txspend/backend/pkg/logger"
)

func init() {
	logger.InitNop()
}

type fakeSearcher struct {
	candidates []postgres.Candidate
	err        error
	calls      int
	lastFn     string
	lastTerm   string
}

func (f *fakeSearcher) FuzzySearch(_ context.Context, fn, term string) ([]postgres.Candidate, error) {
	f.calls++
	f.lastFn = fn
	f.lastTerm = term
	return f.candidates, f.err
}

func newResolver(db *fakeSearcher) *Resolver {
	return NewResolver(db, nil, time.Hour, 10)
}

func TestLookupSingleMatchAutoResolves(t *testing.T) {
	db := &fakeSearcher{candidates: []postgres.Candidate{
		{Name: "Texas Education Agency", Code: "701", Similarity: 0.71},
	}}

	result := newResolver(db).Lookup(context.Background(), TypeAgency, "education agency")

	assert.Equal(t, StatusFound, result.Status)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "701", result.Candidates[0].Code)
	assert.Equal(t, postgres.FnSearchAgencies, db.lastFn)
}

func TestLookupMultipleMatchesReturnsAllOrdered(t *testing.T) {
	db := &fakeSearcher{candidates: []postgres.Candidate{
		{Name: "Health and Human Services Commission", Code: "529", Similarity: 0.62},
		{Name: "Department of State Health Services", Code: "537", Similarity: 0.44},
		{Name: "Health Professions Council", Code: "364", Similarity: 0.31},
	}}

	result := newResolver(db).Lookup(context.Background(), TypeAgency, "health")

	assert.Equal(t, StatusAmbiguous, result.Status)
	require.Len(t, result.Candidates, 3)
	for i := 1; i < len(result.Candidates); i++ {
		assert.GreaterOrEqual(t, result.Candidates[i-1].Similarity, result.Candidates[i].Similarity)
	}
	assert.Contains(t, result.Message, "529")
	assert.Contains(t, result.Message, "537")
}

func TestLookupNoMatchCollapsesToNotFound(t *testing.T) {
	db := &fakeSearcher{}

	result := newResolver(db).Lookup(context.Background(), TypePayee, "zzzzzz")

	assert.Equal(t, StatusNotFound, result.Status)
	assert.Empty(t, result.Candidates)
	assert.Contains(t, result.Message, "zzzzzz")
}

func TestLookupRemoteErrorIsDataNotPanic(t *testing.T) {
	db := &fakeSearcher{err: errors.New("connection refused")}

	result := newResolver(db).Lookup(context.Background(), TypeFund, "general revenue")

	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Message, "Error:")
	// the raw driver error must not leak into the conversational payload
	assert.NotContains(t, result.Message, "connection refused")
}

func TestLookupCandidateListCapped(t *testing.T) {
	var many []postgres.Candidate
	for i := 0; i < 15; i++ {
		many = append(many, postgres.Candidate{Name: "Fund", Code: "1", Similarity: 0.5})
	}
	db := &fakeSearcher{candidates: many}

	result := NewResolver(db, nil, time.Hour, 10).Lookup(context.Background(), TypeFund, "fund")

	assert.Len(t, result.Candidates, 10)
}

func TestLookupUnknownTypeAndEmptyTerm(t *testing.T) {
	db := &fakeSearcher{}
	r := newResolver(db)

	assert.Equal(t, StatusError, r.Lookup(context.Background(), EntityType("bogus"), "x").Status)
	assert.Equal(t, StatusError, r.Lookup(context.Background(), TypeAgency, "  ").Status)
	assert.Zero(t, db.calls)
}

func TestEveryEntityTypeHasASearchFunction(t *testing.T) {
	for _, et := range Types() {
		_, ok := searchFns[et]
		assert.True(t, ok, "missing search function for %s", et)
	}
	assert.Len(t, Types(), 7)
}
