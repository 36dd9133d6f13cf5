package live

// Channel names. Event mutations fan out to the project-wide events channel
// and, when the event sits on a lens, to that lens's channel; metadata
// changes (lens edits, membership, project settings) go to the meta channel.

func ProjectEventsChannel(projectID string) string {
	return "project-events:" + projectID
}

func ProjectMetaChannel(projectID string) string {
	return "project-meta:" + projectID
}

func CalendarChannel(lensID string) string {
	return "calendar:" + lensID
}
