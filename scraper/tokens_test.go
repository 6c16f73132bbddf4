package scraper

import (
	"testing"

	"inspire-scraper/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStoreReplace(t *testing.T) {
	store := NewTokenStore()
	first := models.TokenSet{ViewState: "vs1", EventValidation: "ev1", ViewStateGenerator: "gen"}

	require.NoError(t, store.Replace(first))
	assert.Equal(t, first, store.Current())
}

func TestTokenStoreRejectsIncompleteSet(t *testing.T) {
	store := NewTokenStore()
	first := models.TokenSet{ViewState: "vs1", EventValidation: "ev1", ViewStateGenerator: "gen"}
	require.NoError(t, store.Replace(first))

	tests := []struct {
		name    string
		next    models.TokenSet
		missing []string
	}{
		{"no view state", models.TokenSet{EventValidation: "ev2", ViewStateGenerator: "gen"}, []string{models.FieldViewState}},
		{"no event validation", models.TokenSet{ViewState: "vs2", ViewStateGenerator: "gen"}, []string{models.FieldEventValidation}},
		{"no generator", models.TokenSet{ViewState: "vs2", EventValidation: "ev2"}, []string{models.FieldViewStateGenerator}},
		{"empty", models.TokenSet{}, []string{models.FieldViewState, models.FieldEventValidation, models.FieldViewStateGenerator}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Replace(tt.next)

			var incomplete *IncompleteTokenUpdateError
			require.ErrorAs(t, err, &incomplete)
			assert.Equal(t, tt.missing, incomplete.Missing)
			assert.Equal(t, first, store.Current())
		})
	}
}
