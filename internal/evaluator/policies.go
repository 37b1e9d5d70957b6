package evaluator

import (
	"regexp"
	"strings"

	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// matchCondition compares a metric instance's typed sample value against a
// threshold's condition, reproducing the full operator set spec.md §4.3
// requires: numeric {gt,ge,lt,le,eq,ne}, boolean {eq,ne}, string
// {eq,ne,contains,not_contains,regex}. A threshold missing the value field
// for the metric's type is treated as no-match, never an error.
func matchCondition(metricType, condition string, value models.SampleValue, th *models.Threshold) bool {
	cond := strings.ToLower(strings.TrimSpace(condition))

	switch metricType {
	case models.MetricTypeNumeric:
		if value.Type != models.MetricTypeNumeric || th.ValueNum == nil {
			return false
		}
		return matchNumeric(cond, value.Num, *th.ValueNum)

	case models.MetricTypeBoolean:
		if value.Type != models.MetricTypeBoolean || th.ValueBool == nil {
			return false
		}
		return matchBoolean(cond, value.Bool, *th.ValueBool)

	default: // string
		if th.ValueStr == nil {
			return false
		}
		left := value.Str
		if value.Type == "" {
			left = ""
		}
		return matchString(cond, left, *th.ValueStr)
	}
}

func matchNumeric(cond string, left, right float64) bool {
	switch cond {
	case models.CondGT:
		return left > right
	case models.CondGE:
		return left >= right
	case models.CondLT:
		return left < right
	case models.CondLE:
		return left <= right
	case models.CondEQ:
		return left == right
	case models.CondNE:
		return left != right
	default:
		return false
	}
}

func matchBoolean(cond string, left, right bool) bool {
	switch cond {
	case models.CondEQ:
		return left == right
	case models.CondNE:
		return left != right
	default:
		return false
	}
}

func matchString(cond, left, right string) bool {
	switch cond {
	case models.CondEQ:
		return left == right
	case models.CondNE:
		return left != right
	case models.CondContains:
		return strings.Contains(left, right)
	case models.CondNotContain:
		return !strings.Contains(left, right)
	case models.CondRegex:
		re, err := regexp.Compile(right)
		if err != nil {
			return false
		}
		return re.MatchString(left)
	default:
		return false
	}
}
