package upgrade

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the read-only upgrade table. It is built once at startup and
// shared by every request without locking.
type Catalog struct {
	byID    map[string]Definition
	ordered []Definition
}

func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Definition, len(defs))}
	var errs []error
	for _, d := range defs {
		if _, dup := c.byID[d.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate id", d.ID))
			continue
		}
		if err := validateDefinition(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.ID, err))
			continue
		}
		c.byID[d.ID] = d
	}
	for _, d := range c.byID {
		for _, p := range d.Prerequisites {
			if p.Kind != PrereqOtherUpgrade {
				continue
			}
			if p.UpgradeID == d.ID {
				errs = append(errs, fmt.Errorf("%s: prerequisite references itself", d.ID))
			} else if _, ok := c.byID[p.UpgradeID]; !ok {
				errs = append(errs, fmt.Errorf("%s: prerequisite references unknown upgrade %q", d.ID, p.UpgradeID))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid catalog: %w", errors.Join(errs...))
	}
	c.ordered = make([]Definition, 0, len(c.byID))
	for _, d := range c.byID {
		c.ordered = append(c.ordered, d)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })
	return c, nil
}

// LoadCatalog reads a YAML catalog from path, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return ParseCatalog(defaultCatalogYAML)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

func (c *Catalog) Get(id string) (Definition, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// All returns every definition ordered by id.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.ordered))
	copy(out, c.ordered)
	return out
}

func (c *Catalog) Len() int {
	return len(c.ordered)
}

func validateDefinition(d Definition) error {
	if err := ValidateUpgradeID(d.ID); err != nil {
		return err
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !d.Category.Valid() {
		return fmt.Errorf("unknown category %q", d.Category)
	}
	if !d.Rarity.Valid() {
		return fmt.Errorf("unknown rarity %q", d.Rarity)
	}
	if d.MaxLevel < 1 {
		return fmt.Errorf("max_level must be >= 1")
	}
	if !d.Cost.BaseCost.IsPositive() {
		return fmt.Errorf("base cost must be > 0")
	}
	if d.Cost.Cap.IsNegative() {
		return fmt.Errorf("cost cap must be >= 0")
	}
	switch d.Cost.Kind {
	case CostExponential:
		if d.Cost.Multiplier.LessThan(one) {
			return fmt.Errorf("exponential cost multiplier must be >= 1")
		}
	case CostLinear, CostCompound:
		if d.Cost.Multiplier.IsNegative() {
			return fmt.Errorf("cost multiplier must be >= 0")
		}
	case CostOneTime:
		if d.MaxLevel != 1 {
			return fmt.Errorf("one_time cost requires max_level 1")
		}
	default:
		return fmt.Errorf("unknown cost kind %q", d.Cost.Kind)
	}
	if len(d.Effects) == 0 {
		return fmt.Errorf("at least one effect is required")
	}
	for _, e := range d.Effects {
		if !e.Target.Valid() {
			return fmt.Errorf("unknown effect target %q", e.Target)
		}
		switch e.Kind {
		case EffectLinear, EffectExponential, EffectPercentage, EffectCompound, EffectThreshold, EffectOneTime:
		default:
			return fmt.Errorf("unknown effect kind %q", e.Kind)
		}
		if e.Cap.IsNegative() {
			return fmt.Errorf("effect cap must be >= 0")
		}
	}
	for _, p := range d.Prerequisites {
		switch p.Kind {
		case PrereqPlayerLevel, PrereqOtherUpgrade:
			if p.Level < 1 {
				return fmt.Errorf("%s prerequisite needs level >= 1", p.Kind)
			}
		case PrereqTotalScore, PrereqClickCount, PrereqAchievement, PrereqTimePlayed:
		default:
			return fmt.Errorf("unknown prerequisite kind %q", p.Kind)
		}
	}
	return nil
}

// YAML file shape.

type catalogFile struct {
	Upgrades []upgradeEntry `yaml:"upgrades"`
}

type upgradeEntry struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Description   string        `yaml:"description"`
	Category      string        `yaml:"category"`
	Rarity        string        `yaml:"rarity"`
	MaxLevel      int           `yaml:"max_level"`
	Active        *bool         `yaml:"active"`
	Hidden        bool          `yaml:"hidden"`
	Cost          costEntry     `yaml:"cost"`
	Effects       []effectEntry `yaml:"effects"`
	Prerequisites []prereqEntry `yaml:"prerequisites"`
}

type costEntry struct {
	Kind       string      `yaml:"kind"`
	Base       yamlDecimal `yaml:"base"`
	Multiplier yamlDecimal `yaml:"multiplier"`
	Cap        yamlDecimal `yaml:"cap"`
}

type effectEntry struct {
	Target  string      `yaml:"target"`
	Kind    string      `yaml:"kind"`
	Base    yamlDecimal `yaml:"base"`
	Scaling yamlDecimal `yaml:"scaling"`
	Cap     yamlDecimal `yaml:"cap"`
}

type prereqEntry struct {
	Kind        string      `yaml:"kind"`
	Level       int         `yaml:"level"`
	Value       yamlDecimal `yaml:"value"`
	Upgrade     string      `yaml:"upgrade"`
	Achievement string      `yaml:"achievement"`
	Duration    string      `yaml:"duration"`
}

// yamlDecimal decodes any scalar, including 1e15 style numbers, without a float round trip.
type yamlDecimal struct {
	decimal.Decimal
}

func (d *yamlDecimal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid number %q", node.Line, node.Value)
	}
	d.Decimal = v
	return nil
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	defs := make([]Definition, 0, len(file.Upgrades))
	for _, u := range file.Upgrades {
		d, err := u.definition()
		if err != nil {
			return nil, fmt.Errorf("parse catalog: %s: %w", u.ID, err)
		}
		defs = append(defs, d)
	}
	return NewCatalog(defs)
}

func (u upgradeEntry) definition() (Definition, error) {
	cat, err := parseCategory(u.Category)
	if err != nil {
		return Definition{}, err
	}
	d := Definition{
		ID:          strings.TrimSpace(u.ID),
		Name:        strings.TrimSpace(u.Name),
		Description: strings.TrimSpace(u.Description),
		Category:    cat,
		Rarity:      Rarity(strings.ToLower(strings.TrimSpace(u.Rarity))),
		MaxLevel:    u.MaxLevel,
		Active:      u.Active == nil || *u.Active,
		Hidden:      u.Hidden,
		Cost: CostCurve{
			BaseCost:   u.Cost.Base.Decimal,
			Multiplier: u.Cost.Multiplier.Decimal,
			Kind:       CostKind(strings.ToLower(u.Cost.Kind)),
			Cap:        u.Cost.Cap.Decimal,
		},
	}
	if d.Rarity == "" {
		d.Rarity = RarityCommon
	}
	for _, e := range u.Effects {
		target, err := parseCategory(e.Target)
		if err != nil {
			return Definition{}, err
		}
		d.Effects = append(d.Effects, EffectCurve{
			Target:        target,
			BaseValue:     e.Base.Decimal,
			ScalingFactor: e.Scaling.Decimal,
			Cap:           e.Cap.Decimal,
			Kind:          EffectKind(strings.ToLower(e.Kind)),
		})
	}
	for _, p := range u.Prerequisites {
		pr := Prerequisite{
			Kind:          PrerequisiteKind(strings.ToLower(p.Kind)),
			Level:         p.Level,
			Value:         p.Value.Decimal,
			UpgradeID:     strings.TrimSpace(p.Upgrade),
			AchievementID: strings.TrimSpace(p.Achievement),
		}
		if p.Duration != "" {
			dur, err := time.ParseDuration(p.Duration)
			if err != nil {
				return Definition{}, fmt.Errorf("prerequisite duration: %w", err)
			}
			pr.Duration = dur
		}
		d.Prerequisites = append(d.Prerequisites, pr)
	}
	return d, nil
}
