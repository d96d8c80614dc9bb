package booking

const (
	operationGrant      = "grant"
	operationBook       = "book"
	operationCancel     = "cancel"
	operationSyncCourse = "sync_course"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
