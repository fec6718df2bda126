package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionExamsMonitor allows attaching to the live monitor of an exam.
	PermissionExamsMonitor Permission = "exams:monitor"

	// PermissionExamsCache allows reloading and dropping cached exam definitions.
	PermissionExamsCache Permission = "exams:cache"

	// PermissionAttemptsRead allows viewing any candidate's attempt.
	PermissionAttemptsRead Permission = "attempts:read"

	// PermissionAttemptsExpire allows running a time-based expiry on demand.
	PermissionAttemptsExpire Permission = "attempts:expire"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionExamsMonitor,
	PermissionExamsCache,
	PermissionAttemptsRead,
	PermissionAttemptsExpire,
}
