package quality

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// Rule config shapes, one per rule type. RuleConfig JSON must validate
// against the matching shape at activation time.
type (
	RangeConfig struct {
		Min       *float64 `json:"min,omitempty"`
		Max       *float64 `json:"max,omitempty"`
		Inclusive *bool    `json:"inclusive,omitempty"` // default true
	}
	RegexConfig struct {
		Pattern string `json:"pattern"`
		Flags   string `json:"flags,omitempty"` // subset of "i", "m", "s"
	}
	EnumConfig struct {
		Values []any `json:"values"`
	}
	ReferentialConfig struct {
		RefTable string `json:"ref_table"`
		RefField string `json:"ref_field"`
	}
	ExpressionConfig struct {
		Expr string `json:"expr"`
	}
	OutlierConfig struct {
		Method    string  `json:"method"` // zscore or iqr
		Threshold float64 `json:"threshold"`
	}
)

// ValidateRuleConfig checks that the JSON config matches the schema for
// the rule type. Called at rule creation/activation; a failure is a
// config_invalid error surfaced to the caller.
func ValidateRuleConfig(ruleType entities.RuleType, rawConfig string) error {
	if strings.TrimSpace(rawConfig) == "" {
		rawConfig = "{}"
	}
	switch ruleType {
	case entities.RuleNotNull:
		var cfg map[string]any
		return unmarshalConfig(rawConfig, &cfg)
	case entities.RuleRange:
		var cfg RangeConfig
		if err := unmarshalConfig(rawConfig, &cfg); err != nil {
			return err
		}
		if cfg.Min == nil && cfg.Max == nil {
			return fmt.Errorf("range rule requires min or max")
		}
		if cfg.Min != nil && cfg.Max != nil && *cfg.Min > *cfg.Max {
			return fmt.Errorf("range rule min %v exceeds max %v", *cfg.Min, *cfg.Max)
		}
		return nil
	case entities.RuleRegex:
		var cfg RegexConfig
		if err := unmarshalConfig(rawConfig, &cfg); err != nil {
			return err
		}
		if cfg.Pattern == "" {
			return fmt.Errorf("regex rule requires pattern")
		}
		_, err := compileRegex(cfg)
		return err
	case entities.RuleEnum:
		var cfg EnumConfig
		if err := unmarshalConfig(rawConfig, &cfg); err != nil {
			return err
		}
		if len(cfg.Values) == 0 {
			return fmt.Errorf("enum rule requires values")
		}
		return nil
	case entities.RuleReferential:
		var cfg ReferentialConfig
		if err := unmarshalConfig(rawConfig, &cfg); err != nil {
			return err
		}
		if cfg.RefTable == "" || cfg.RefField == "" {
			return fmt.Errorf("referential rule requires ref_table and ref_field")
		}
		return nil
	case entities.RuleCustomExpression:
		var cfg ExpressionConfig
		if err := unmarshalConfig(rawConfig, &cfg); err != nil {
			return err
		}
		_, err := ParseExpression(cfg.Expr)
		return err
	case entities.RuleStatisticalOutlier:
		var cfg OutlierConfig
		if err := unmarshalConfig(rawConfig, &cfg); err != nil {
			return err
		}
		if cfg.Method != "zscore" && cfg.Method != "iqr" {
			return fmt.Errorf("outlier method must be zscore or iqr, got %q", cfg.Method)
		}
		if cfg.Threshold <= 0 {
			return fmt.Errorf("outlier threshold must be positive")
		}
		return nil
	}
	return fmt.Errorf("unknown rule type %q", ruleType)
}

func unmarshalConfig(raw string, into any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid rule_config: %w", err)
	}
	return nil
}

func compileRegex(cfg RegexConfig) (*regexp.Regexp, error) {
	pattern := cfg.Pattern
	if cfg.Flags != "" {
		for _, f := range cfg.Flags {
			switch f {
			case 'i', 'm', 's':
			default:
				return nil, fmt.Errorf("unsupported regex flag %q", string(f))
			}
		}
		pattern = "(?" + cfg.Flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return re, nil
}

// Dimension buckets rule types into the three dashboard sub-scores.
type Dimension string

const (
	DimCompleteness Dimension = "completeness" // not_null
	DimAccuracy     Dimension = "accuracy"     // range, regex, enum
	DimConsistency  Dimension = "consistency"  // referential, custom_expression
	DimNone         Dimension = ""             // statistical_outlier
)

func dimensionOf(rt entities.RuleType) Dimension {
	switch rt {
	case entities.RuleNotNull:
		return DimCompleteness
	case entities.RuleRange, entities.RuleRegex, entities.RuleEnum:
		return DimAccuracy
	case entities.RuleReferential, entities.RuleCustomExpression:
		return DimConsistency
	}
	return DimNone
}

// Draft is one failed evaluation before persistence.
type Draft struct {
	RuleID     *uint
	TableName  string
	FieldName  string
	RecordID   string
	IssueType  string
	IssueValue string
	Severity   entities.Severity
}

// RefLookup answers referential checks against a cached reference set.
type RefLookup interface {
	Contains(refTable, refField string, value any) (bool, error)
}

// evaluateRule applies one non-statistical rule to one row and returns
// zero or more drafts. Statistical rules are evaluated per-column in a
// separate pass.
func evaluateRule(rule entities.QualityRule, recordID string, row map[string]any, refs RefLookup) ([]Draft, error) {
	value := row[rule.FieldName]
	draft := func(issueType string) Draft {
		return Draft{
			RuleID:     &rule.ID,
			TableName:  rule.Table,
			FieldName:  rule.FieldName,
			RecordID:   recordID,
			IssueType:  issueType,
			IssueValue: truncateValue(value),
			Severity:   rule.Severity,
		}
	}

	switch rule.RuleType {
	case entities.RuleNotNull:
		if value == nil || value == "" {
			return []Draft{draft("null_value")}, nil
		}
		return nil, nil

	case entities.RuleRange:
		if value == nil {
			return nil, nil // null handled by not_null rules
		}
		var cfg RangeConfig
		if err := unmarshalConfig(rule.RuleConfig, &cfg); err != nil {
			return nil, err
		}
		d, ok := toNumber(value)
		if !ok {
			return []Draft{draft(entities.ErrKindTypeMismatch)}, nil
		}
		inclusive := cfg.Inclusive == nil || *cfg.Inclusive
		if cfg.Min != nil {
			min := decimal.NewFromFloat(*cfg.Min)
			if (inclusive && d.LessThan(min)) || (!inclusive && d.LessThanOrEqual(min)) {
				return []Draft{draft("below_range")}, nil
			}
		}
		if cfg.Max != nil {
			max := decimal.NewFromFloat(*cfg.Max)
			if (inclusive && d.GreaterThan(max)) || (!inclusive && d.GreaterThanOrEqual(max)) {
				return []Draft{draft("above_range")}, nil
			}
		}
		return nil, nil

	case entities.RuleRegex:
		if value == nil {
			return nil, nil
		}
		var cfg RegexConfig
		if err := unmarshalConfig(rule.RuleConfig, &cfg); err != nil {
			return nil, err
		}
		re, err := compileRegex(cfg)
		if err != nil {
			return nil, err
		}
		if !re.MatchString(fmt.Sprintf("%v", value)) {
			return []Draft{draft("regex_mismatch")}, nil
		}
		return nil, nil

	case entities.RuleEnum:
		if value == nil {
			return nil, nil
		}
		var cfg EnumConfig
		if err := unmarshalConfig(rule.RuleConfig, &cfg); err != nil {
			return nil, err
		}
		for _, allowed := range cfg.Values {
			if scalarEqual(value, allowed) {
				return nil, nil
			}
		}
		return []Draft{draft("enum_mismatch")}, nil

	case entities.RuleReferential:
		if value == nil {
			return nil, nil
		}
		var cfg ReferentialConfig
		if err := unmarshalConfig(rule.RuleConfig, &cfg); err != nil {
			return nil, err
		}
		if refs == nil {
			return nil, fmt.Errorf("referential rule %d has no reference lookup", rule.ID)
		}
		found, err := refs.Contains(cfg.RefTable, cfg.RefField, value)
		if err != nil {
			return nil, err
		}
		if !found {
			return []Draft{draft("referential_miss")}, nil
		}
		return nil, nil

	case entities.RuleCustomExpression:
		var cfg ExpressionConfig
		if err := unmarshalConfig(rule.RuleConfig, &cfg); err != nil {
			return nil, err
		}
		expr, err := ParseExpression(cfg.Expr)
		if err != nil {
			return nil, err
		}
		ok, err := expr.Eval(row)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []Draft{draft("expression_failed")}, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("rule %d: unexpected type %q in row pass", rule.ID, rule.RuleType)
}

func toNumber(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func scalarEqual(a, b any) bool {
	if da, okA := toNumber(a); okA {
		if db, okB := toNumber(b); okB {
			return da.Equal(db)
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func truncateValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
