package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionSubmissionsRead allows listing and exporting an exam's submissions.
	PermissionSubmissionsRead Permission = "submissions:read"

	// PermissionSubmissionsCancel allows aborting a student's in-progress attempt.
	PermissionSubmissionsCancel Permission = "submissions:cancel"

	// PermissionExamsMonitor allows following an exam's live monitor stream.
	PermissionExamsMonitor Permission = "exams:monitor"

	// PermissionSystemRead allows viewing runtime metrics.
	PermissionSystemRead Permission = "system:read"
)

// AllPermissions lists every permission code, for operator tooling.
var AllPermissions = []Permission{
	PermissionSubmissionsRead,
	PermissionSubmissionsCancel,
	PermissionExamsMonitor,
	PermissionSystemRead,
}
