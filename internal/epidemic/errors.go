package epidemic

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/outbreak-sim/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrConfiguration 參數不合法，於 New 時立即回傳
	ErrConfiguration = errors.New("epidemic: invalid configuration")
	// ErrScheduleOverflow 結果日期超出排程上限
	ErrScheduleOverflow = errors.New("epidemic: resolution day exceeds schedule horizon")
	// ErrInvalidTransition 非法狀態轉換（重複感染或重複結算）
	ErrInvalidTransition = errors.New("epidemic: invalid state transition")
	// ErrSimulationFailed 模擬已因致命錯誤停止
	ErrSimulationFailed = errors.New("epidemic: simulation failed")
	// ErrIncompatibleState 快照與目前模擬器不相容
	ErrIncompatibleState = errors.New("epidemic: incompatible state")
)

// ConfigError names the offending parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("epidemic: invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ScheduleOverflowError reports an outcome that would land past the horizon.
type ScheduleOverflowError struct {
	Individual types.IndividualID
	Day        int
	Horizon    int
}

func (e *ScheduleOverflowError) Error() string {
	return fmt.Sprintf("epidemic: individual %d resolves on day %d, horizon is %d",
		e.Individual, e.Day, e.Horizon)
}

func (e *ScheduleOverflowError) Unwrap() error {
	return ErrScheduleOverflow
}

// InvalidTransitionError reports an illegal status change.
type InvalidTransitionError struct {
	Individual types.IndividualID
	From       types.Status
	To         types.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("epidemic: individual %d cannot move from %s to %s",
		e.Individual, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
