// Package constants provides application-wide constants for the agent
// task engine. Values that operators can reasonably want to tune live
// in config.SchedulerConfig instead; what's here is fixed by the shape
// of the data model itself.
package constants

import "time"

const (
	// MaxTaskDepthCeiling is the absolute ceiling on parent-chain depth.
	// config.SchedulerConfig.MaxTaskNestingDepth is validated against
	// this; it can only ever narrow it, never widen it.
	MaxTaskDepthCeiling = 32

	// MinWaiterPollInterval is the smallest sensible
	// SchedulerConfig.ProcessInterval; anything tighter just burns CPU
	// re-deriving the Task Index for no new admissions.
	MinWaiterPollInterval = 100 * time.Millisecond
)
