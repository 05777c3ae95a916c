package gateway

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func mustParseUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

// FlushProjectContext's own id-parsing validation is exercised without a
// live Postgres connection since nothing else in the method runs before
// that check fails.
func TestFlushProjectContextRejectsInvalidProjectID(t *testing.T) {
	g := &Gateway{}
	err := g.FlushProjectContext("not-a-uuid", nil, nil)
	require.Error(t, err)
}

func TestUserCacheKeyFormat(t *testing.T) {
	id := mustParseUUID(t, "11111111-1111-1111-1111-111111111111")
	require.Equal(t, "cache:user:11111111-1111-1111-1111-111111111111", userCacheKey(id))
}
