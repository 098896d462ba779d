package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RemediationFunctionType is the formula used to estimate the cost of fixing
// one issue.
type RemediationFunctionType string

const (
	// RemediationLinear costs gapMultiplier per unit of gap.
	RemediationLinear RemediationFunctionType = "LINEAR"
	// RemediationLinearOffset costs baseEffort plus gapMultiplier per unit of gap.
	RemediationLinearOffset RemediationFunctionType = "LINEAR_OFFSET"
	// RemediationConstantIssue costs baseEffort per issue.
	RemediationConstantIssue RemediationFunctionType = "CONSTANT_ISSUE"
)

// HoursInDay is the length of a work day used by debt durations.
const HoursInDay = 8

// debtDurationRe matches "1d 2h 30min" with every part optional.
var debtDurationRe = regexp.MustCompile(`^\s*(?:(\d+)\s*d)?\s*(?:(\d+)\s*h)?\s*(?:(\d+)\s*(?:min|mn))?\s*$`)

// ParseRemediationFunctionType validates a function name.
func ParseRemediationFunctionType(s string) (RemediationFunctionType, error) {
	switch fn := RemediationFunctionType(s); fn {
	case RemediationLinear, RemediationLinearOffset, RemediationConstantIssue:
		return fn, nil
	default:
		return "", fmt.Errorf("%w: unknown remediation function %q", ErrInvalidRemediation, s)
	}
}

// ParseDebtDuration converts a debt duration such as "5d", "10h" or
// "1d 2h 30min" to minutes.
func ParseDebtDuration(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalidRemediation)
	}
	m := debtDurationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: invalid duration %q", ErrInvalidRemediation, s)
	}
	var minutes int64
	for i, unit := range []int64{HoursInDay * 60, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid duration %q: %v", ErrInvalidRemediation, s, err)
		}
		minutes += n * unit
	}
	return minutes, nil
}

// FormatDebtDuration renders minutes back to the "1d 2h 30min" form.
func FormatDebtDuration(minutes int64) string {
	if minutes == 0 {
		return "0min"
	}
	days := minutes / (HoursInDay * 60)
	minutes -= days * HoursInDay * 60
	hours := minutes / 60
	minutes -= hours * 60

	var parts []string
	if days > 0 {
		parts = append(parts, strconv.FormatInt(days, 10)+"d")
	}
	if hours > 0 {
		parts = append(parts, strconv.FormatInt(hours, 10)+"h")
	}
	if minutes > 0 {
		parts = append(parts, strconv.FormatInt(minutes, 10)+"min")
	}
	return strings.Join(parts, " ")
}

// ValidateRemediation checks that a remediation triple is self-consistent.
// An empty triple is valid. A gap or base effort without a function is not,
// since it would be combined with a function from another source.
func ValidateRemediation(r Remediation) error {
	if r.IsEmpty() {
		return nil
	}
	if r.Function == nil {
		return fmt.Errorf("%w: gap multiplier or base effort set without a function", ErrInvalidRemediation)
	}
	fn, err := ParseRemediationFunctionType(string(*r.Function))
	if err != nil {
		return err
	}
	for _, d := range []*string{r.GapMultiplier, r.BaseEffort} {
		if d == nil {
			continue
		}
		if _, err := ParseDebtDuration(*d); err != nil {
			return err
		}
	}

	hasGap, hasBase := r.GapMultiplier != nil, r.BaseEffort != nil
	switch fn {
	case RemediationLinear:
		if !hasGap || hasBase {
			return fmt.Errorf("%w: %s requires a gap multiplier and no base effort", ErrInvalidRemediation, fn)
		}
	case RemediationLinearOffset:
		if !hasGap || !hasBase {
			return fmt.Errorf("%w: %s requires a gap multiplier and a base effort", ErrInvalidRemediation, fn)
		}
	case RemediationConstantIssue:
		if hasGap || !hasBase {
			return fmt.Errorf("%w: %s requires a base effort and no gap multiplier", ErrInvalidRemediation, fn)
		}
	}
	return nil
}

// NormalizeRemediation validates r and rewrites its durations in the
// canonical "1d 2h 30min" form, so "60min" is stored as "1h".
func NormalizeRemediation(r Remediation) (Remediation, error) {
	if err := ValidateRemediation(r); err != nil {
		return Remediation{}, err
	}
	return Remediation{
		Function:      r.Function,
		GapMultiplier: canonicalDuration(r.GapMultiplier),
		BaseEffort:    canonicalDuration(r.BaseEffort),
	}, nil
}

// canonicalDuration expects a duration that already passed validation.
func canonicalDuration(d *string) *string {
	if d == nil {
		return nil
	}
	minutes, err := ParseDebtDuration(*d)
	if err != nil {
		return d
	}
	s := FormatDebtDuration(minutes)
	return &s
}

// resolvedFrom marks every present attribute of r with source.
func resolvedFrom(r Remediation, source ValueSource) EffectiveRemediation {
	var e EffectiveRemediation
	if r.Function != nil {
		e.Function = Resolved[RemediationFunctionType]{Value: *r.Function, Source: source}
	}
	if r.GapMultiplier != nil {
		e.GapMultiplier = Resolved[string]{Value: *r.GapMultiplier, Source: source}
	}
	if r.BaseEffort != nil {
		e.BaseEffort = Resolved[string]{Value: *r.BaseEffort, Source: source}
	}
	return e
}

// ResolveRemediation resolves the triple as a unit. An override with a
// function replaces all three attributes, and its missing gap or base effort
// stays absent. Otherwise the defaults apply unchanged.
func ResolveRemediation(def, override Remediation) EffectiveRemediation {
	if override.Function != nil {
		return resolvedFrom(override, SourceOverridden)
	}
	return resolvedFrom(def, SourceDefault)
}

// Legacy projects the effective remediation onto the deprecated fields.
func (e EffectiveRemediation) Legacy() LegacyRemediation {
	return LegacyRemediation{
		RemediationFunction:    e.Function.Ptr(),
		RemediationCoefficient: e.GapMultiplier.Ptr(),
		RemediationOffset:      e.BaseEffort.Ptr(),
	}
}
