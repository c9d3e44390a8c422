// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldTaskID    = "task_id"
	FieldStage     = "stage"
	FieldRequestID = "request_id"
	FieldHolder    = "holder"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldQueue     = "queue"
	FieldErrorKind = "error_kind"

	// Path / URL fields
	FieldPath        = "path"
	FieldObjectKey   = "object_key"
	FieldCallbackURL = "callback_url"

	// Timing fields
	FieldDuration = "duration_s"
	FieldLockAge  = "lock_age_s"
)
