package trigger

import (
	"fmt"
	"time"

	"occasio/internal/types"
)

// Birthday fires annually on the user's birth date.
type Birthday struct {
	Hour   int
	Minute int
}

func (Birthday) Kind() string { return "birthday" }

func (Birthday) EventDate(user *types.User) *time.Time { return user.BirthDate }

func (b Birthday) SendTime() (int, int) { return b.Hour, b.Minute }

func (Birthday) Render(user *types.User) types.RenderedContent {
	return types.RenderedContent{
		Subject: fmt.Sprintf("Happy Birthday, %s!", user.DisplayName),
		Message: fmt.Sprintf("Hey %s, wishing you a wonderful birthday from all of us!", user.DisplayName),
	}
}
