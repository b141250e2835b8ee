package gwerr

import "context"

// Sentinels aliased so KindOf can classify context errors without the
// callers importing context themselves.
var (
	contextDeadline  = context.DeadlineExceeded
	contextCancelled = context.Canceled
)
