package admin

import "content-job-engine/internal/models"

type edge struct {
	from, to models.Status
}

// transitions lists, per action, the status changes an operator may make.
// Nothing moves a job into processing; only a claim does that.
var transitions = map[models.AdminAction]map[edge]bool{
	models.ActionRetry: {
		{models.StatusPending, models.StatusPending}:   true,
		{models.StatusError, models.StatusPending}:     true,
		{models.StatusCancelled, models.StatusPending}: true,
	},
	models.ActionCancel: {
		{models.StatusPending, models.StatusCancelled}:    true,
		{models.StatusProcessing, models.StatusCancelled}: true,
	},
	models.ActionSetStatus: {
		{models.StatusProcessing, models.StatusPending}:   true,
		{models.StatusError, models.StatusPending}:        true,
		{models.StatusCancelled, models.StatusPending}:    true,
		{models.StatusPending, models.StatusCancelled}:    true,
		{models.StatusProcessing, models.StatusCancelled}: true,
		{models.StatusPending, models.StatusError}:        true,
		{models.StatusProcessing, models.StatusError}:     true,
		{models.StatusProcessing, models.StatusCompleted}: true,
		{models.StatusError, models.StatusCompleted}:      true,
	},
}

func allowed(action models.AdminAction, from, to models.Status) bool {
	return transitions[action][edge{from, to}]
}
