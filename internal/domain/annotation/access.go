package annotation

import "time"

// ResultAccess describes what a viewer may do with a job's result file.
type ResultAccess struct {
	// Downloadable is true when a direct download link may be handed out.
	Downloadable bool
	// FreeAccessExpired is true when a free user's download window has passed
	// and an upgrade should be offered instead.
	FreeAccessExpired bool
	// Restoring is true while a vault retrieval of an archived result is running.
	Restoring bool
}

// ResultAccessFor decides whether viewerRole may download the job's result at now.
// Premium viewers may always download a result that is in hot storage. Free
// viewers may download for window after completion.
func (j *Job) ResultAccessFor(viewerRole UserRole, now time.Time, window time.Duration) ResultAccess {
	if j.status != JobStatusCompleted || j.results.ResultKey == "" {
		return ResultAccess{}
	}

	if viewerRole.IsPremium() {
		if j.IsArchived() {
			return ResultAccess{Restoring: j.IsRestoring()}
		}
		return ResultAccess{Downloadable: true}
	}

	completed, _ := j.CompletionTime()
	if now.Sub(completed) > window || j.IsArchived() {
		return ResultAccess{FreeAccessExpired: true}
	}
	return ResultAccess{Downloadable: true}
}
