package rules

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

//go:embed catalogue.yaml
var defaultCatalogue []byte

// Rule types understood by the catalogue.
const (
	TypeMonitored      = "monitored"
	TypeCounting       = "counting"
	TypeNotWholeNumber = "not_whole_number"
	TypeHighAmount     = "high_amount"
	TypeContainsSymbol = "contains_symbols"
)

// Named subsets. SubsetAll is implicit and lists every rule in catalogue order.
const (
	SubsetScreening     = "screening"
	SubsetNotifications = "notifications"
	SubsetAll           = "all"
)

// Catalogue is the static rule configuration.
type Catalogue struct {
	Rules   []RuleSpec          `yaml:"rules"`
	Subsets map[string][]string `yaml:"subsets"`
}

// RuleSpec configures one rule.
type RuleSpec struct {
	Code        string   `yaml:"code"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	AppliesTo   []string `yaml:"applies_to"`
	Profile     string   `yaml:"profile"`
	Group       string   `yaml:"group"`
	Distinct    string   `yaml:"distinct"`
	Limit       int64    `yaml:"limit"`
	Days        int      `yaml:"days"`
	Attribute   string   `yaml:"attribute"`
}

// DefaultCatalogue returns the embedded catalogue.
func DefaultCatalogue() (Catalogue, error) {
	return ParseCatalogue(defaultCatalogue)
}

// LoadCatalogue reads a catalogue file, falling back to the embedded one when path is empty.
func LoadCatalogue(path string) (Catalogue, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalogue()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read rule catalogue: %w", err)
	}
	return ParseCatalogue(raw)
}

// ParseCatalogue decodes and validates YAML catalogue content.
func ParseCatalogue(raw []byte) (Catalogue, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return Catalogue{}, fmt.Errorf("parse rule catalogue: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return Catalogue{}, err
	}
	return cat, nil
}

// Validate checks every rule is complete and every subset names known rules.
func (c Catalogue) Validate() error {
	seen := make(map[string]bool, len(c.Rules))
	for _, spec := range c.Rules {
		if spec.Code == "" {
			return fmt.Errorf("rule catalogue: rule without code")
		}
		if seen[spec.Code] {
			return fmt.Errorf("rule catalogue: duplicate code %s", spec.Code)
		}
		seen[spec.Code] = true

		if len(spec.AppliesTo) == 0 {
			return fmt.Errorf("rule %s: applies_to is required", spec.Code)
		}
		for _, kind := range spec.AppliesTo {
			if !validRecordKind(kind) {
				return fmt.Errorf("rule %s: unknown record kind %q", spec.Code, kind)
			}
		}

		switch spec.Type {
		case TypeMonitored:
			if !validProfileKind(spec.Profile) {
				return fmt.Errorf("rule %s: unknown profile %q", spec.Code, spec.Profile)
			}
		case TypeCounting:
			if !validProfileKind(spec.Profile) {
				return fmt.Errorf("rule %s: unknown profile %q", spec.Code, spec.Profile)
			}
			if spec.Distinct != "" && !validProfileKind(spec.Distinct) {
				return fmt.Errorf("rule %s: unknown distinct profile %q", spec.Code, spec.Distinct)
			}
			if spec.Limit <= 0 || spec.Days <= 0 {
				return fmt.Errorf("rule %s: counting rules need a positive limit and days", spec.Code)
			}
		case TypeHighAmount:
			if spec.Limit <= 0 {
				return fmt.Errorf("rule %s: high amount rules need a positive limit", spec.Code)
			}
		case TypeContainsSymbol:
			if spec.Attribute == "" {
				return fmt.Errorf("rule %s: attribute is required", spec.Code)
			}
		case TypeNotWholeNumber:
		default:
			return fmt.Errorf("rule %s: unknown type %q", spec.Code, spec.Type)
		}
	}

	for name, codes := range c.Subsets {
		if name == SubsetAll {
			return fmt.Errorf("rule catalogue: subset %q is reserved", SubsetAll)
		}
		for _, code := range codes {
			if !seen[code] {
				return fmt.Errorf("rule catalogue: subset %s names unknown rule %s", name, code)
			}
		}
	}
	return nil
}

func validRecordKind(s string) bool {
	switch domain.RecordKind(s) {
	case domain.RecordKindCredit, domain.RecordKindDisbursement:
		return true
	}
	return false
}

func validProfileKind(s string) bool {
	switch domain.ProfileKind(s) {
	case domain.ProfileKindSender, domain.ProfileKindPrisoner, domain.ProfileKindRecipient:
		return true
	}
	return false
}
