package models

import "errors"

var (
	ErrInvalidPrice         = errors.New("invalid price")
	ErrInvalidTimestamp     = errors.New("invalid timestamp")
	ErrInvalidVolume        = errors.New("invalid volume")
	ErrInvalidRuleID        = errors.New("invalid rule ID")
	ErrInvalidOwnerID       = errors.New("invalid owner ID")
	ErrInvalidRuleName      = errors.New("invalid rule name")
	ErrInvalidMode          = errors.New("invalid mode")
	ErrNoConditions         = errors.New("rule must have at least one condition")
	ErrInvalidConditionType = errors.New("invalid condition type")
	ErrInvalidOperator      = errors.New("invalid operator")
	ErrInvalidThreshold     = errors.New("invalid condition threshold")
	ErrModeImmutable        = errors.New("rule mode cannot be changed after creation")

	ErrRuleNotFound       = errors.New("rule not found")
	ErrRuleExists         = errors.New("rule already exists")
	ErrSettingsNotFound   = errors.New("user settings not found")
	ErrDuplicateExecution = errors.New("execution already recorded for timestamp")
	ErrStoreUnavailable   = errors.New("rule store unavailable")
)
