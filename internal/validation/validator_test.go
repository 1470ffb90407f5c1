package validation

import (
	"testing"
	"time"

	"github.com/resident-x/go-solax/internal/domain"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, level ValidationLevel) *Validator {
	t.Helper()
	layout, err := registers.Default()
	require.NoError(t, err)
	return NewValidator(level, layout, zerolog.Nop())
}

func healthySnapshot() *domain.Snapshot {
	snap := domain.NewSnapshot(time.Now())
	for k, v := range map[string]float64{
		"grid_voltage_r":   230.2,
		"grid_frequency_r": 50.01,
		"grid_frequency_s": 50.02,
		"grid_frequency_t": 50.03,
		"pv1_voltage":      385.4,
		"pv1_power":        3160,
		"pv2_voltage":      382.1,
		"pv2_power":        2980,
		"battery_current":  12.4,
		"battery_power":    3354,
		"battery_soc":      78,
		"energy_today":     28.4,
		"energy_total":     1847.3,
	} {
		snap.Metrics[k] = v
	}
	snap.States["run_mode"] = "Normal"
	return snap
}

func TestValidationLevel_String(t *testing.T) {
	tests := []struct {
		level    ValidationLevel
		expected string
	}{
		{ValidationLevelBasic, "basic"},
		{ValidationLevelStandard, "standard"},
		{ValidationLevelStrict, "strict"},
		{ValidationLevel(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{
		Severity: SeverityError,
		Message:  "310 above maximum 300",
		Field:    "grid_voltage_r",
	}
	assert.Equal(t, "error validation error in grid_voltage_r: 310 above maximum 300", err.Error())
}

func TestValidationResult_Summary(t *testing.T) {
	result := &ValidationResult{Valid: true, Confidence: 1.0}
	assert.Equal(t, "Valid (confidence: 1.00)", result.Summary())

	addValidationError(result, &ValidationError{Severity: SeverityWarning})
	assert.True(t, result.Valid)
	assert.True(t, result.HasWarnings())
	assert.Equal(t, "1 warnings (confidence: 0.95)", result.Summary())

	addValidationError(result, &ValidationError{Severity: SeverityError})
	assert.False(t, result.Valid)
	assert.True(t, result.HasErrors())
	assert.Contains(t, result.Summary(), "1 errors, 1 warnings")
}

func TestValidate_HealthySnapshot(t *testing.T) {
	v := newTestValidator(t, ValidationLevelStrict)

	result := v.Validate(healthySnapshot())
	assert.True(t, result.Valid)
	assert.False(t, result.HasWarnings())
	assert.Equal(t, 1.0, result.Confidence)
}

func TestValidate_RangeRules(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value float64
		msg   string
	}{
		{"overvoltage", "grid_voltage_r", 310, "above maximum"},
		{"soc above 100", "battery_soc", 101, "above maximum"},
		{"frequency too low", "grid_frequency_r", 40, "below minimum"},
		{"negative energy", "energy_total", -1, "below minimum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, ValidationLevelBasic)
			snap := healthySnapshot()
			snap.Metrics[tt.field] = tt.value

			result := v.Validate(snap)
			require.False(t, result.Valid)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, tt.field, result.Errors[0].Field)
			assert.Equal(t, tt.field+"_range", result.Errors[0].Rule)
			assert.Contains(t, result.Errors[0].Message, tt.msg)
		})
	}
}

func TestValidate_AbsentFieldsAreNotErrors(t *testing.T) {
	v := newTestValidator(t, ValidationLevelStrict)
	result := v.Validate(domain.NewSnapshot(time.Now()))
	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
}

func TestValidate_ConsistencyRules(t *testing.T) {
	v := newTestValidator(t, ValidationLevelStandard)

	snap := healthySnapshot()
	snap.Metrics["battery_current"] = -5.8
	snap.Metrics["pv2_voltage"] = 0
	snap.Metrics["grid_frequency_t"] = 51

	result := v.Validate(snap)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 3)

	var rules []string
	for _, w := range result.Warnings {
		rules = append(rules, w.Rule)
	}
	assert.ElementsMatch(t, []string{"battery_sign", "pv_voltage", "grid_frequency_balance"}, rules)
}

func TestValidate_StrictRulesNeedStrictLevel(t *testing.T) {
	snap := healthySnapshot()
	snap.Metrics["energy_today"] = 2000
	snap.Metrics["energy_total"] = 1000
	snap.States["run_mode"] = "Unknown"

	standard := newTestValidator(t, ValidationLevelStandard)
	// energy_today 2000 is also out of its documented range.
	result := standard.Validate(snap)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "energy_today_range", result.Errors[0].Rule)
	assert.Empty(t, result.Warnings)

	standard.SetValidationLevel(ValidationLevelStrict)
	result = standard.Validate(snap)
	assert.Len(t, result.Errors, 2)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "run_mode_known", result.Warnings[0].Rule)
}

func TestValidator_CustomRuleAndStatistics(t *testing.T) {
	v := newTestValidator(t, ValidationLevelBasic)
	v.AddRule(&SnapshotRule{
		Name:  "soc_not_full",
		Level: ValidationLevelBasic,
		Check: func(snap *domain.Snapshot) []*ValidationError {
			if soc, ok := snap.Metric("battery_soc"); ok && soc >= 100 {
				return []*ValidationError{{Severity: SeverityWarning, Field: "battery_soc", Message: "battery full"}}
			}
			return nil
		},
	})

	snap := healthySnapshot()
	snap.Metrics["battery_soc"] = 100
	result := v.Validate(snap)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "soc_not_full", result.Warnings[0].Rule)

	v.Validate(healthySnapshot())

	stats := v.GetStatistics()
	assert.Equal(t, int64(2), stats["validations_performed"])
	assert.Equal(t, int64(0), stats["errors_found"])
	assert.Equal(t, int64(1), stats["warnings_found"])
	assert.Equal(t, "basic", stats["validation_level"])
}
