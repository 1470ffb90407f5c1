// Package validation provides plausibility checks for decoded inverter snapshots.
package validation

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/resident-x/go-solax/internal/domain"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/rs/zerolog"
)

// ValidationLevel defines the strictness of validation rules.
type ValidationLevel int

const (
	ValidationLevelBasic ValidationLevel = iota
	ValidationLevelStandard
	ValidationLevelStrict
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelBasic:
		return "basic"
	case ValidationLevelStandard:
		return "standard"
	case ValidationLevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Severity values used by the built-in rules.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ValidationError represents a validation finding with severity and context.
type ValidationError struct {
	Rule     string
	Severity string
	Message  string
	Field    string
	Value    interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult contains the result of a validation check.
type ValidationResult struct {
	Valid      bool
	Errors     []*ValidationError
	Warnings   []*ValidationError
	Confidence float64 // 0.0-1.0 confidence in the snapshot
}

// HasErrors returns true if there are any validation errors.
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return fmt.Sprintf("Valid (confidence: %.2f)", vr.Confidence)
	}

	var parts []string
	if !vr.Valid {
		parts = append(parts, fmt.Sprintf("%d errors", len(vr.Errors)))
	}
	if vr.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(vr.Warnings)))
	}

	return fmt.Sprintf("%s (confidence: %.2f)", strings.Join(parts, ", "), vr.Confidence)
}

// SnapshotRule checks one aspect of a snapshot. It returns nil when the
// snapshot passes or the fields it needs are absent.
type SnapshotRule struct {
	Name        string
	Description string
	Level       ValidationLevel
	Check       func(snap *domain.Snapshot) []*ValidationError
}

// Validator applies range rules derived from the register layout plus
// cross-field consistency rules.
type Validator struct {
	level  ValidationLevel
	rules  []*SnapshotRule
	logger zerolog.Logger

	mutex                sync.Mutex
	validationsPerformed int64
	errorsFound          int64
	warningsFound        int64
}

// NewValidator creates a validator for snapshots decoded with layout.
func NewValidator(level ValidationLevel, layout *registers.Layout, logger zerolog.Logger) *Validator {
	v := &Validator{
		level:  level,
		logger: logger.With().Str("component", "validator").Logger(),
	}
	v.registerRangeRules(layout)
	v.registerConsistencyRules()
	return v
}

// Validate runs every rule at or below the configured level.
func (v *Validator) Validate(snap *domain.Snapshot) *ValidationResult {
	result := &ValidationResult{Valid: true, Confidence: 1.0}

	v.mutex.Lock()
	level := v.level
	rules := v.rules
	v.mutex.Unlock()

	for _, rule := range rules {
		if rule.Level > level {
			continue
		}
		for _, err := range rule.Check(snap) {
			err.Rule = rule.Name
			addValidationError(result, err)
		}
	}

	v.mutex.Lock()
	v.validationsPerformed++
	v.errorsFound += int64(len(result.Errors))
	v.warningsFound += int64(len(result.Warnings))
	v.mutex.Unlock()

	v.logger.Debug().
		Int("fields", snap.Len()).
		Int("errors", len(result.Errors)).
		Int("warnings", len(result.Warnings)).
		Float64("confidence", result.Confidence).
		Msg("Snapshot validation completed")

	return result
}

func addValidationError(result *ValidationResult, err *ValidationError) {
	if err.Severity == SeverityWarning {
		result.Warnings = append(result.Warnings, err)
		result.Confidence *= 0.95
		return
	}
	result.Errors = append(result.Errors, err)
	result.Valid = false
	result.Confidence *= 0.5
}

func (v *Validator) registerRangeRules(layout *registers.Layout) {
	blocks := append(append([]registers.Block{}, layout.InputBlocks...), layout.HoldingBlocks...)
	for i := range blocks {
		for j := range blocks[i].Fields {
			f := blocks[i].Fields[j]
			if f.Min == nil && f.Max == nil {
				continue
			}
			v.rules = append(v.rules, &SnapshotRule{
				Name:        f.Name + "_range",
				Description: "value within the documented range of " + f.Name,
				Level:       ValidationLevelBasic,
				Check:       rangeCheck(f.Name, f.Min, f.Max),
			})
		}
	}
}

func rangeCheck(name string, lo, hi *float64) func(*domain.Snapshot) []*ValidationError {
	return func(snap *domain.Snapshot) []*ValidationError {
		val, ok := snap.Metric(name)
		if !ok {
			return nil
		}
		if lo != nil && val < *lo {
			return []*ValidationError{{
				Severity: SeverityError,
				Field:    name,
				Value:    val,
				Message:  fmt.Sprintf("%g below minimum %g", val, *lo),
			}}
		}
		if hi != nil && val > *hi {
			return []*ValidationError{{
				Severity: SeverityError,
				Field:    name,
				Value:    val,
				Message:  fmt.Sprintf("%g above maximum %g", val, *hi),
			}}
		}
		return nil
	}
}

func (v *Validator) registerConsistencyRules() {
	v.rules = append(v.rules,
		&SnapshotRule{
			Name:        "battery_sign",
			Description: "battery current and power agree in sign",
			Level:       ValidationLevelStandard,
			Check: func(snap *domain.Snapshot) []*ValidationError {
				i, ok1 := snap.Metric("battery_current")
				p, ok2 := snap.Metric("battery_power")
				if !ok1 || !ok2 || i == 0 || p == 0 {
					return nil
				}
				if (i > 0) != (p > 0) {
					return []*ValidationError{{
						Severity: SeverityWarning,
						Field:    "battery_current",
						Value:    i,
						Message:  fmt.Sprintf("current %g A and power %g W disagree in sign", i, p),
					}}
				}
				return nil
			},
		},
		&SnapshotRule{
			Name:        "pv_voltage",
			Description: "a producing string has a voltage",
			Level:       ValidationLevelStandard,
			Check: func(snap *domain.Snapshot) []*ValidationError {
				var out []*ValidationError
				for _, s := range []string{"pv1", "pv2"} {
					p, ok1 := snap.Metric(s + "_power")
					u, ok2 := snap.Metric(s + "_voltage")
					if ok1 && ok2 && p > 0 && u == 0 {
						out = append(out, &ValidationError{
							Severity: SeverityWarning,
							Field:    s + "_voltage",
							Value:    u,
							Message:  fmt.Sprintf("%g W produced at 0 V", p),
						})
					}
				}
				return out
			},
		},
		&SnapshotRule{
			Name:        "grid_frequency_balance",
			Description: "all phases run at the same frequency",
			Level:       ValidationLevelStandard,
			Check: func(snap *domain.Snapshot) []*ValidationError {
				lo, hi := math.Inf(1), math.Inf(-1)
				n := 0
				for _, ph := range []string{"r", "s", "t"} {
					if f, ok := snap.Metric("grid_frequency_" + ph); ok {
						lo, hi = math.Min(lo, f), math.Max(hi, f)
						n++
					}
				}
				if n > 1 && hi-lo > 0.5 {
					return []*ValidationError{{
						Severity: SeverityWarning,
						Field:    "grid_frequency",
						Value:    hi - lo,
						Message:  fmt.Sprintf("phase frequencies differ by %.2f Hz", hi-lo),
					}}
				}
				return nil
			},
		},
		&SnapshotRule{
			Name:        "energy_counters",
			Description: "daily energy does not exceed lifetime energy",
			Level:       ValidationLevelStrict,
			Check: func(snap *domain.Snapshot) []*ValidationError {
				today, ok1 := snap.Metric("energy_today")
				total, ok2 := snap.Metric("energy_total")
				if ok1 && ok2 && today > total {
					return []*ValidationError{{
						Severity: SeverityError,
						Field:    "energy_today",
						Value:    today,
						Message:  fmt.Sprintf("daily %g kWh exceeds total %g kWh", today, total),
					}}
				}
				return nil
			},
		},
		&SnapshotRule{
			Name:        "run_mode_known",
			Description: "run mode code is documented",
			Level:       ValidationLevelStrict,
			Check: func(snap *domain.Snapshot) []*ValidationError {
				if mode, ok := snap.State("run_mode"); ok && mode == "Unknown" {
					return []*ValidationError{{
						Severity: SeverityWarning,
						Field:    "run_mode",
						Value:    mode,
						Message:  "undocumented run mode code",
					}}
				}
				return nil
			},
		},
	)
}

// GetStatistics returns validation statistics.
func (v *Validator) GetStatistics() map[string]interface{} {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return map[string]interface{}{
		"validations_performed": v.validationsPerformed,
		"errors_found":          v.errorsFound,
		"warnings_found":        v.warningsFound,
		"validation_level":      v.level.String(),
		"rules":                 len(v.rules),
	}
}

// SetValidationLevel changes the validation level.
func (v *Validator) SetValidationLevel(level ValidationLevel) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.logger.Info().
		Str("old_level", v.level.String()).
		Str("new_level", level.String()).
		Msg("Validation level changed")
	v.level = level
}

// AddRule adds a custom rule.
func (v *Validator) AddRule(rule *SnapshotRule) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.rules = append(v.rules, rule)
	v.logger.Debug().Str("rule", rule.Name).Msg("Added custom validation rule")
}
