package investigation

import (
	"go.temporal.io/sdk/activity"

	"github.com/crpwatch/crpwatch/internal/workflows"
)

// Registry is the part of a Temporal worker activities are registered on.
type Registry interface {
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// RegisterActivities registers the investigation activities with the Temporal worker
func RegisterActivities(w Registry, a *Activity) {
	w.RegisterActivityWithOptions(a.Investigate, activity.RegisterOptions{
		Name: workflows.InvestigateActivityName,
	})

	w.RegisterActivityWithOptions(a.Publish, activity.RegisterOptions{
		Name: workflows.PublishActivityName,
	})
}
