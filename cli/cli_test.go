package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/oauthstate"
)

func TestParseStrategy(t *testing.T) {
	got, err := parseStrategy("manual-review")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyManualReview, got)

	got, err = parseStrategy(" crm_priority ")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyCRMPriority, got)

	_, err = parseStrategy("newest")
	assert.Error(t, err)
}

func TestResolveWith(t *testing.T) {
	s, err := resolveWith("local", "")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyCRMPriority, s)

	s, err = resolveWith("", "last-write-wins")
	require.NoError(t, err)
	assert.Equal(t, models.StrategyLastWriteWins, s)

	for _, tc := range [][2]string{{"local", "CRM_PRIORITY"}, {"", ""}, {"", "MANUAL_REVIEW"}, {"mine", ""}} {
		_, err := resolveWith(tc[0], tc[1])
		assert.Error(t, err, "keep=%q strategy=%q", tc[0], tc[1])
	}
}

func TestSelectConflicts(t *testing.T) {
	a := models.Conflict{ID: uuid.New(), Field: "email"}
	b := models.Conflict{ID: uuid.New(), Field: "phone"}

	all, err := selectConflicts([]models.Conflict{a, b}, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := selectConflicts([]models.Conflict{a, b}, []string{b.ID.String()})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "phone", one[0].Field)

	_, err = selectConflicts([]models.Conflict{a}, []string{b.ID.String()})
	assert.Error(t, err)
	_, err = selectConflicts([]models.Conflict{a}, []string{"garbage"})
	assert.Error(t, err)
}

func TestCallbackPath(t *testing.T) {
	u, _ := url.Parse("http://localhost:8080/oauth/callback")
	assert.Equal(t, "/oauth/callback", callbackPath(u))
	u, _ = url.Parse("http://localhost:8080")
	assert.Equal(t, "/", callbackPath(u))
}

func newStates(t *testing.T) *oauthstate.Store {
	t.Helper()
	states, err := oauthstate.Open("", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })
	return states
}

func TestCallbackHandlerExchangesWithVerifier(t *testing.T) {
	states := newStates(t)
	state, entry, err := states.Issue("int-1", models.ProviderGoogle)
	require.NoError(t, err)

	var gotCode, gotVerifier string
	exchange := func(_ context.Context, code, verifier string) (*oauth2.Token, error) {
		gotCode, gotVerifier = code, verifier
		return &oauth2.Token{AccessToken: "at"}, nil
	}
	results := make(chan callbackResult, 1)
	h := callbackHandler(states, "int-1", exchange, results)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+state+"&code=abc", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", gotCode)
	assert.Equal(t, entry.Verifier, gotVerifier)

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, "at", res.token.AccessToken)

	// A replayed state is refused without another exchange.
	gotCode = ""
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+state+"&code=again", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, gotCode)
}

func TestCallbackHandlerRejectsForeignState(t *testing.T) {
	states := newStates(t)
	state, _, err := states.Issue("int-2", models.ProviderMicrosoft)
	require.NoError(t, err)

	exchange := func(context.Context, string, string) (*oauth2.Token, error) {
		t.Fatal("exchange must not run")
		return nil, nil
	}
	results := make(chan callbackResult, 1)
	h := callbackHandler(states, "int-1", exchange, results)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cb?state="+state+"&code=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, results)
}

func TestCallbackHandlerReportsDenialAndExchangeFailure(t *testing.T) {
	states := newStates(t)
	results := make(chan callbackResult, 1)
	failing := func(context.Context, string, string) (*oauth2.Token, error) {
		return nil, errors.New("invalid_grant")
	}
	h := callbackHandler(states, "int-1", failing, results)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cb?error=access_denied", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	res := <-results
	assert.ErrorContains(t, res.err, "access_denied")

	state, _, err := states.Issue("int-1", models.ProviderGoogle)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cb?state="+state+"&code=abc", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	res = <-results
	assert.ErrorContains(t, res.err, "invalid_grant")
}
