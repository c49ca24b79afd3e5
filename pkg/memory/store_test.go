package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argo/pkg/cierrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndListItems(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AddItem("sess-1", "builder-1", TypeFact, "repo uses yaml config")
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = s.AddItem("sess-1", "builder-1", TypeDecision, "chose unix sockets")
	require.NoError(t, err)

	items, err := s.Items("sess-1", "builder-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, TypeFact, items[0].Type)
	assert.Equal(t, "chose unix sockets", items[1].Content)

	// Other scopes see nothing.
	items, err = s.Items("sess-1", "coordinator-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestAddItemValidation(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AddItem("", "ci", TypeFact, "x")
	assert.True(t, cierrors.IsKind(err, cierrors.KindInput))

	_, err = s.AddItem("sess", "ci", ItemType("gossip"), "x")
	assert.True(t, cierrors.IsKind(err, cierrors.KindInput))
}

func TestItemCapacity(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < MaxItems; i++ {
		_, err := s.AddItem("sess", "ci", TypeFact, "item")
		require.NoError(t, err)
	}
	_, err := s.AddItem("sess", "ci", TypeFact, "overflow")
	assert.True(t, cierrors.IsKind(err, cierrors.KindResourceExhausted))
}

func TestItemsByType(t *testing.T) {
	s := openTestStore(t)
	s.AddItem("sess", "ci", TypeError, "segfault in parser")
	s.AddItem("sess", "ci", TypeFact, "port is 9000")
	s.AddItem("sess", "ci", TypeError, "timeout on connect")

	errs, err := s.ItemsByType("sess", "ci", TypeError, 10)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "segfault in parser", errs[0].Content)

	one, err := s.ItemsByType("sess", "ci", TypeError, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestTouchAndMarkImportant(t *testing.T) {
	s := openTestStore(t)
	id, err := s.AddItem("sess", "ci", TypeFact, "x")
	require.NoError(t, err)

	require.NoError(t, s.Touch(id))
	require.NoError(t, s.MarkImportant(id))

	items, err := s.Items("sess", "ci")
	require.NoError(t, err)
	assert.Equal(t, 1, items[0].AccessCount)
	assert.True(t, items[0].Important)

	assert.True(t, cierrors.IsKind(s.Touch(999), cierrors.KindNotFound))
	assert.True(t, cierrors.IsKind(s.MarkImportant(999), cierrors.KindNotFound))
}

func TestBreadcrumbs(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddBreadcrumb("sess", "ci", "left off at registry tests"))
	require.NoError(t, s.AddBreadcrumb("sess", "ci", "socket layer next"))

	crumbs, err := s.Breadcrumbs("sess", "ci")
	require.NoError(t, err)
	assert.Equal(t, []string{"left off at registry tests", "socket layer next"}, crumbs)

	for i := len(crumbs); i < MaxBreadcrumbs; i++ {
		require.NoError(t, s.AddBreadcrumb("sess", "ci", "c"))
	}
	err = s.AddBreadcrumb("sess", "ci", "too many")
	assert.True(t, cierrors.IsKind(err, cierrors.KindResourceExhausted))
}

func TestSessionNotes(t *testing.T) {
	s := openTestStore(t)

	sunset, sunrise, err := s.Notes("sess", "ci")
	require.NoError(t, err)
	assert.Empty(t, sunset)
	assert.Empty(t, sunrise)

	require.NoError(t, s.SetSunsetNotes("sess", "ci", "done for today"))
	require.NoError(t, s.SetSunriseBrief("sess", "ci", "continue with ipc"))
	require.NoError(t, s.SetSunriseBrief("sess", "ci", "continue with ipc tests"))

	sunset, sunrise, err = s.Notes("sess", "ci")
	require.NoError(t, err)
	assert.Equal(t, "done for today", sunset)
	assert.Equal(t, "continue with ipc tests", sunrise)
}

func TestDigestRespectsBudget(t *testing.T) {
	s := openTestStore(t)
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	require.NoError(t, s.SetSunriseBrief("sess", "ci", "pick up the socket work"))
	require.NoError(t, s.AddBreadcrumb("sess", "ci", "tests half done"))

	small, err := s.AddItem("sess", "ci", TypeFact, "base port 9000")
	require.NoError(t, err)
	_, err = s.AddItem("sess", "ci", TypeApproach, strings.Repeat("verbose notes ", 400))
	require.NoError(t, err)

	require.NoError(t, s.MarkImportant(small))

	// 80-token context gives a 40-token budget: brief, crumb, and the
	// small item fit, the verbose item does not.
	d, err := s.BuildDigest("sess", "ci", 80, tc)
	require.NoError(t, err)
	assert.LessOrEqual(t, d.Tokens, d.TokenBudget)
	assert.Equal(t, "pick up the socket work", d.SunriseBrief)
	assert.Equal(t, []string{"tests half done"}, d.Breadcrumbs)
	require.Len(t, d.Items, 1)
	assert.Equal(t, small, d.Items[0].ID)
}

func TestDigestPrefersImportantThenNewest(t *testing.T) {
	s := openTestStore(t)
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	s.AddItem("sess", "ci", TypeFact, "old plain")
	imp, _ := s.AddItem("sess", "ci", TypeFact, "flagged")
	newest, _ := s.AddItem("sess", "ci", TypeFact, "new plain")
	require.NoError(t, s.MarkImportant(imp))

	d, err := s.BuildDigest("sess", "ci", 1000, tc)
	require.NoError(t, err)
	require.Len(t, d.Items, 3)
	assert.Equal(t, imp, d.Items[0].ID)
	assert.Equal(t, newest, d.Items[1].ID)
}

func TestDigestSerializes(t *testing.T) {
	s := openTestStore(t)
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	d, err := s.BuildDigest("sess", "ci", 100, tc)
	require.NoError(t, err)

	data, err := d.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"sess"`)
}

func TestTokenCounterFallback(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, len("abcdefgh")/4, tc.Count("abcdefgh"))
}
