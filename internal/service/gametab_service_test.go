package service

import (
	"context"
	"errors"
	"gamehub-go/internal/model"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eldenRingCatalog() *fakeCatalog {
	past := time.Date(2022, 2, 25, 0, 0, 0, 0, time.UTC)
	future := time.Now().AddDate(2, 0, 0)
	return &fakeCatalog{games: []model.GameInfo{
		{ID: "1", Name: "Elden Ring", Genre: "Action RPG", CoverURL: "https://img/elden.png", ReleaseDate: &past},
		{ID: "2", Name: "Hollow Knight", Aliases: []string{"HK"}, Genre: "Metroidvania"},
		{ID: "3", Name: "Hollow Knight: Silksong", Genre: "Metroidvania", ReleaseDate: &future},
		{ID: "4", Name: "Baldur's Gate 3", Aliases: []string{"BG3"}, Genre: "CRPG"},
		{ID: "5", Name: "Ghost Harbor", Genre: "Adventure", ReleaseDate: &future},
	}}
}

func TestNormalizeGameName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Elden Ring", "elden ring"},
		{"  ELDEN   ring ", "elden ring"},
		{"The Legend of Zelda: Breath of the Wild", "legend of zelda breath of the wild"},
		{"Baldur's Gate 3", "baldurs gate 3"},
		{"Pokémon Violet", "pokemon violet"},
		{"The", "the"},
		{"!!!", ""},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			assert.Equal(t, c.want, NormalizeGameName(c.in))
		})
	}
}

func TestFuzzyEqual(t *testing.T) {
	assert.True(t, fuzzyEqual("elden ring", "eldin ring", 2))
	assert.False(t, fuzzyEqual("elden ring", "hollow knight", 2))
	assert.False(t, fuzzyEqual("hk", "bg", 2), "short names must match exactly")
	assert.True(t, fuzzyEqual("hk", "hk", 2))
}

func TestResolveCreatesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	first, created, err := h.registry.Resolve(ctx, 1, GameIdentity{Name: "Elden Ring"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.KindGame, first.Kind)
	require.NotNil(t, first.GameKey)
	assert.Equal(t, "elden ring", *first.GameKey)

	second, created, err := h.registry.Resolve(ctx, 1, GameIdentity{Name: "  the ELDEN ring"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other, created, err := h.registry.Resolve(ctx, 2, GameIdentity{Name: "Elden Ring"})
	require.NoError(t, err)
	assert.True(t, created, "tabs are per user")
	assert.NotEqual(t, first.ID, other.ID)
}

func TestResolveConcurrentCallsShareOneTab(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, _, err := h.registry.Resolve(ctx, 1, GameIdentity{Name: "Hades"})
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	tabs, err := h.registry.Tabs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, tabs, 2, "hub plus exactly one game tab")
}

func TestResolveRejectsEmptyName(t *testing.T) {
	h := newHarness(nil)
	_, _, err := h.registry.Resolve(context.Background(), 1, GameIdentity{Name: " ?! "})
	assert.ErrorIs(t, err, ErrInvalidGame)
}

func TestOversizedNamesNeverReachTheStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	long := strings.Repeat("x", model.MaxNameLength+45)

	_, _, err := h.registry.AddGame(ctx, 1, long)
	assert.ErrorIs(t, err, ErrInvalidGame)
	_, _, err = h.registry.Resolve(ctx, 1, GameIdentity{Name: long})
	assert.ErrorIs(t, err, ErrInvalidGame)

	tab, _, err := h.registry.AddGame(ctx, 1, "Hades")
	require.NoError(t, err)
	_, err = h.registry.AddSubTab(ctx, 1, tab.ID, SubTabInput{Type: model.SubTabTips, Name: long})
	assert.ErrorIs(t, err, ErrInvalidSubTab)

	det := h.detector.Classify(ctx, 1, "I'm playing "+strings.Repeat("Supercalifragilistic", 20), nil)
	assert.NotEqual(t, ConfidenceHigh, det.Confidence)

	tabs, err := h.registry.Tabs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, tabs, 2)
}

func TestResolveSeedsSubTabsForReleasedGame(t *testing.T) {
	ctx := context.Background()
	h := newHarness(eldenRingCatalog())

	conv, _, err := h.registry.Resolve(ctx, 1, GameIdentity{Name: "Elden Ring"})
	require.NoError(t, err)
	assert.Equal(t, "Action RPG", conv.Genre)
	assert.False(t, conv.Unreleased)

	subTabs, err := h.registry.SubTabs(ctx, 1, conv.ID)
	require.NoError(t, err)
	require.Len(t, subTabs, len(model.DefaultSubTabTypes))
	for i, st := range subTabs {
		assert.Equal(t, model.DefaultSubTabTypes[i], st.Type)
		assert.Equal(t, model.SubTabPending, st.Status)
	}

	require.Len(t, h.producer.tasks, 1)
	task := h.producer.tasks[0]
	assert.Equal(t, conv.ID, task.ConversationID)
	assert.Equal(t, "Elden Ring", task.GameName)
	assert.Len(t, task.SubTabIDs, len(model.DefaultSubTabTypes))
}

func TestResolveUnreleasedGameHasNoSubTabs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(eldenRingCatalog())

	conv, created, err := h.registry.Resolve(ctx, 1, GameIdentity{Name: "Hollow Knight: Silksong"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, conv.Unreleased)
	assert.Empty(t, conv.SubTabs)
	assert.Empty(t, h.producer.tasks)
}

func TestResolveDoesNotCreateWhenStoreUnreachable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	h.repo.setOffline(true)

	_, _, err := h.registry.Resolve(ctx, 1, GameIdentity{Name: "Celeste"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestAddGameCorrectsSpellingFromCatalog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(eldenRingCatalog())

	conv, created, err := h.registry.AddGame(ctx, 1, "eldin ring")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Elden Ring", conv.GameName)

	again, created, err := h.registry.AddGame(ctx, 1, "Elden Rnig")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)
}

func TestAddGameWithoutCatalogReusesCloseTab(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	conv, _, err := h.registry.AddGame(ctx, 1, "Stardew Valley")
	require.NoError(t, err)
	again, created, err := h.registry.AddGame(ctx, 1, "Stardew Vally")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)
}

func TestResolveWithFailingCatalogStillCreates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(&fakeCatalog{err: errors.New("es down")})

	conv, created, err := h.registry.Resolve(ctx, 1, GameIdentity{Name: "Elden Ring"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, conv.Genre)
}

func TestSubTabLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	conv, _, err := h.registry.Resolve(ctx, 1, GameIdentity{Name: "Hades"})
	require.NoError(t, err)

	content := "Dash through Tartarus."
	st, err := h.registry.AddSubTab(ctx, 1, conv.ID, SubTabInput{Type: model.SubTabChat, Name: "Notes", Content: &content})
	require.NoError(t, err)
	assert.Equal(t, model.SubTabReady, st.Status)
	assert.Equal(t, len(model.DefaultSubTabTypes), st.Position)

	updated, err := h.registry.UpdateSubTab(ctx, 1, conv.ID, st.ID, SubTabInput{Name: "My notes", Status: model.SubTabFailed})
	require.NoError(t, err)
	assert.Equal(t, "My notes", updated.Name)
	assert.Equal(t, model.SubTabFailed, updated.Status)
	assert.Equal(t, content, updated.Content)

	_, err = h.registry.AddSubTab(ctx, 1, conv.ID, SubTabInput{Type: "recipes"})
	assert.ErrorIs(t, err, ErrInvalidSubTab)
	_, err = h.registry.UpdateSubTab(ctx, 1, conv.ID, st.ID, SubTabInput{Status: "done"})
	assert.ErrorIs(t, err, ErrInvalidSubTab)
	_, err = h.registry.UpdateSubTab(ctx, 1, conv.ID, "missing", SubTabInput{Name: "x"})
	assert.ErrorIs(t, err, ErrSubTabNotFound)
	_, err = h.registry.UpdateSubTab(ctx, 2, conv.ID, st.ID, SubTabInput{Name: "x"})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestHubHasNoSubTabs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	hub, err := h.store.GetOrCreate(ctx, 1, "")
	require.NoError(t, err)

	_, err = h.registry.AddSubTab(ctx, 1, hub.ID, SubTabInput{Type: model.SubTabTips})
	assert.ErrorIs(t, err, ErrNotGameConversation)
}
