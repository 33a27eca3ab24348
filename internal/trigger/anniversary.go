package trigger

import (
	"fmt"
	"time"

	"occasio/internal/types"
)

// Anniversary fires annually on the user's anniversary date.
type Anniversary struct {
	Hour   int
	Minute int
}

func (Anniversary) Kind() string { return "anniversary" }

func (Anniversary) EventDate(user *types.User) *time.Time { return user.AnniversaryDate }

func (a Anniversary) SendTime() (int, int) { return a.Hour, a.Minute }

func (Anniversary) Render(user *types.User) types.RenderedContent {
	return types.RenderedContent{
		Subject: fmt.Sprintf("Happy Anniversary, %s!", user.DisplayName),
		Message: fmt.Sprintf("Hey %s, congratulations on your anniversary!", user.DisplayName),
	}
}
