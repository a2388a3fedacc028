package watch

import (
	"strings"
	"time"

	"github.com/mattjoyce/quill/internal/tui"
)

// Activity lights up on events and fades as the stream goes quiet.
type Activity struct {
	dots      int
	lastEvent time.Time
}

const activityDots = 5

func (a *Activity) OnEvent(now time.Time) {
	a.dots = activityDots
	a.lastEvent = now
}

// Decay drops one dot for every two quiet seconds.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	quiet := int(now.Sub(a.lastEvent) / (2 * time.Second))
	a.dots = max(activityDots-quiet, 0)
}

func (a Activity) Render(theme tui.Theme) string {
	var b strings.Builder
	for i := range activityDots {
		if i < a.dots {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) LastEvent() time.Time { return a.lastEvent }
