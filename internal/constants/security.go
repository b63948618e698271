package constants

// Stable user/group IDs pinned by job container security contexts.
const (
	UserNonRoot  int64 = 65532
	GroupNonRoot int64 = 65532
)
