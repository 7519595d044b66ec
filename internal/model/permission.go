package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionExamsRead allows viewing exams, workflows and transition history.
	PermissionExamsRead Permission = "exams:read"

	// PermissionExamsWrite allows editing exam schedules and rosters.
	PermissionExamsWrite Permission = "exams:write"

	// PermissionExamsPublish allows requesting workflow transitions.
	PermissionExamsPublish Permission = "exams:publish"

	// PermissionMonitorView allows attaching to live exam monitoring streams.
	PermissionMonitorView Permission = "monitor:view"

	// PermissionMonitorAct allows warn/suspend/terminate interventions and
	// resolving monitoring events.
	PermissionMonitorAct Permission = "monitor:act"

	// PermissionStudentsWrite allows managing student accounts and sessions.
	PermissionStudentsWrite Permission = "students:write"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionExamsRead,
	PermissionExamsWrite,
	PermissionExamsPublish,
	PermissionMonitorView,
	PermissionMonitorAct,
	PermissionStudentsWrite,
}
