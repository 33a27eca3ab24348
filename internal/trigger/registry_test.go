package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasio/internal/types"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Birthday{}))
	require.NoError(t, r.Register(Anniversary{}))

	err := r.Register(Birthday{})
	require.Error(t, err, "duplicate kind must be rejected")

	def, err := r.Get("birthday")
	require.NoError(t, err)
	assert.Equal(t, "birthday", def.Kind())

	_, err = r.Get("graduation")
	require.Error(t, err)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundTrigger, appErr.Code)

	kinds := make([]string, 0)
	for _, d := range r.All() {
		kinds = append(kinds, d.Kind())
	}
	assert.Equal(t, []string{"birthday", "anniversary"}, kinds, "registration order preserved")
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(9, 30)
	assert.Len(t, r.All(), 2)
	for _, def := range r.All() {
		h, m := def.SendTime()
		assert.Equal(t, 9, h)
		assert.Equal(t, 30, m)
	}
}

func TestFiresOn(t *testing.T) {
	birth := time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC)
	user := &types.User{ID: "u1", DisplayName: "Ada", BirthDate: &birth}

	assert.True(t, FiresOn(Birthday{}, user, LocalDate{2026, time.June, 15}, LeapDayFeb28))
	assert.False(t, FiresOn(Birthday{}, user, LocalDate{2026, time.June, 16}, LeapDayFeb28))

	// No anniversary date set: never fires.
	assert.False(t, FiresOn(Anniversary{}, user, LocalDate{2026, time.June, 15}, LeapDayFeb28))
}

func TestRenderSnapshotsDisplayName(t *testing.T) {
	user := &types.User{ID: "u1", DisplayName: "Ada"}

	c := Birthday{}.Render(user)
	assert.Contains(t, c.Subject, "Ada")
	assert.Contains(t, c.Message, "Ada")

	c = Anniversary{}.Render(user)
	assert.Contains(t, c.Subject, "Ada")
}
