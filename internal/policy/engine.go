package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/arrow767/hyper-screener/pkg/logger"
)

// Scope область применения правила
type Scope string

const (
	ScopeNewEntry          Scope = "new_entry"
	ScopeOpenPosition      Scope = "open_position"
	ScopeNewEntryBreakdown Scope = "new_entry_breakdown"
)

// Допустимые ключи условий правила
var knownConditions = map[string]bool{
	"shock30mNatrGte":          true,
	"shock30mNatrLte":          true,
	"shock60mNatrGte":          true,
	"shock60mNatrLte":          true,
	"anchorTradeCountGte":      true,
	"anchorTradeCountLte":      true,
	"anchorWinCountGte":        true,
	"anchorWinCountLte":        true,
	"anchorLastTradeAgoMinGte": true,
	"anchorLastTradeAgoMinLte": true,
	"timeInAnchorZoneMinGte":   true,
	"timeInAnchorZoneMinLte":   true,
	"tpHitsCountEq":            true,
}

// Допустимые ключи действий правила
var knownActions = map[string]bool{
	"allowTrade":       true,
	"sizeMultiplier":   true,
	"tpNatrMultiplier": true,
	"slNatrMultiplier": true,
}

// Actions действия сработавшего правила
type Actions struct {
	AllowTrade       *bool
	SizeMultiplier   *float64
	TpNatrMultiplier *float64
	SlNatrMultiplier *float64
}

// Rule декларативное правило политики
type Rule struct {
	Name     string
	Priority float64
	Scope    Scope
	When     map[string]float64
	Then     Actions
}

// Decision итог применения правил к набору признаков
type Decision struct {
	AllowTrade       bool
	SizeMultiplier   float64
	TpNatrMultiplier float64
	SlNatrMultiplier float64
	Reason           string
	Matched          []string
}

// Engine упорядоченный набор правил политики
type Engine struct {
	rules []Rule
}

// rawRule промежуточная форма правила для валидации YAML
type rawRule struct {
	Name     interface{}                 `yaml:"name"`
	Priority interface{}                 `yaml:"priority"`
	Scope    interface{}                 `yaml:"scope"`
	When     map[interface{}]interface{} `yaml:"when"`
	Then     map[interface{}]interface{} `yaml:"then"`
}

type rulesFile struct {
	Rules []rawRule `yaml:"rules"`
}

// NewEngine создает движок с готовым набором правил
func NewEngine(rules []Rule) *Engine {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Engine{rules: sorted}
}

// LoadEngine загружает правила из YAML-файла.
// Любая ошибка файла или валидации дает пустой набор правил с предупреждением.
func LoadEngine(path string) *Engine {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Не удалось прочитать файл правил, политика пуста", zap.String("path", path), zap.Error(err))
		return NewEngine(nil)
	}

	var parsed rulesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		logger.Warn("Не удалось разобрать файл правил, политика пуста", zap.String("path", path), zap.Error(err))
		return NewEngine(nil)
	}

	rules := make([]Rule, 0, len(parsed.Rules))
	for i, raw := range parsed.Rules {
		rule, err := validateRule(raw)
		if err != nil {
			logger.Warn("Некорректное правило, политика пуста",
				zap.Int("index", i), zap.Error(err))
			return NewEngine(nil)
		}
		rules = append(rules, rule)
	}

	logger.Info("Загружены правила политики", zap.String("path", path), zap.Int("count", len(rules)))
	return NewEngine(rules)
}

// validateRule строго проверяет одно правило
func validateRule(raw rawRule) (Rule, error) {
	name, ok := raw.Name.(string)
	if !ok || name == "" {
		return Rule{}, fmt.Errorf("поле name должно быть непустой строкой")
	}

	priority, ok := asNumber(raw.Priority)
	if !ok {
		return Rule{}, fmt.Errorf("правило %q: поле priority должно быть числом", name)
	}

	scopeStr, ok := raw.Scope.(string)
	if !ok {
		return Rule{}, fmt.Errorf("правило %q: поле scope должно быть строкой", name)
	}
	scope := Scope(scopeStr)
	switch scope {
	case ScopeNewEntry, ScopeOpenPosition, ScopeNewEntryBreakdown:
	default:
		return Rule{}, fmt.Errorf("правило %q: неизвестный scope %q", name, scopeStr)
	}

	if len(raw.When) == 0 {
		return Rule{}, fmt.Errorf("правило %q: блок when пуст", name)
	}
	when := make(map[string]float64, len(raw.When))
	for k, v := range raw.When {
		key, ok := k.(string)
		if !ok {
			return Rule{}, fmt.Errorf("правило %q: нестроковый ключ условия", name)
		}
		if !knownConditions[key] {
			return Rule{}, fmt.Errorf("правило %q: неизвестное условие %q", name, key)
		}
		value, ok := asNumber(v)
		if !ok {
			return Rule{}, fmt.Errorf("правило %q: условие %q должно быть числом", name, key)
		}
		when[key] = value
	}

	if len(raw.Then) == 0 {
		return Rule{}, fmt.Errorf("правило %q: блок then пуст", name)
	}
	var then Actions
	for k, v := range raw.Then {
		key, ok := k.(string)
		if !ok {
			return Rule{}, fmt.Errorf("правило %q: нестроковый ключ действия", name)
		}
		if !knownActions[key] {
			return Rule{}, fmt.Errorf("правило %q: неизвестное действие %q", name, key)
		}
		switch key {
		case "allowTrade":
			b, ok := v.(bool)
			if !ok {
				return Rule{}, fmt.Errorf("правило %q: allowTrade должно быть булевым", name)
			}
			then.AllowTrade = &b
		default:
			value, ok := asNumber(v)
			if !ok {
				return Rule{}, fmt.Errorf("правило %q: действие %q должно быть числом", name, key)
			}
			switch key {
			case "sizeMultiplier":
				then.SizeMultiplier = &value
			case "tpNatrMultiplier":
				then.TpNatrMultiplier = &value
			case "slNatrMultiplier":
				then.SlNatrMultiplier = &value
			}
		}
	}

	return Rule{
		Name:     name,
		Priority: priority,
		Scope:    scope,
		When:     when,
		Then:     then,
	}, nil
}

// asNumber приводит YAML-значение к float64
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Evaluate применяет правила заданной области к признакам в порядке priority.
// Множители перемножаются, allowTrade перезаписывается; первое запрещающее
// правило останавливает обход, и его имя становится причиной решения.
func (e *Engine) Evaluate(scope Scope, features map[string]float64) Decision {
	decision := Decision{
		AllowTrade:       true,
		SizeMultiplier:   1,
		TpNatrMultiplier: 1,
		SlNatrMultiplier: 1,
	}

	for _, rule := range e.rules {
		if rule.Scope != scope {
			continue
		}
		if !ruleMatches(rule, features) {
			continue
		}

		decision.Matched = append(decision.Matched, rule.Name)
		if rule.Then.SizeMultiplier != nil {
			decision.SizeMultiplier *= *rule.Then.SizeMultiplier
		}
		if rule.Then.TpNatrMultiplier != nil {
			decision.TpNatrMultiplier *= *rule.Then.TpNatrMultiplier
		}
		if rule.Then.SlNatrMultiplier != nil {
			decision.SlNatrMultiplier *= *rule.Then.SlNatrMultiplier
		}
		if rule.Then.AllowTrade != nil {
			decision.AllowTrade = *rule.Then.AllowTrade
			if !decision.AllowTrade {
				decision.Reason = rule.Name
				return decision
			}
		}
	}

	if len(decision.Matched) == 0 {
		decision.Reason = "default"
	} else {
		decision.Reason = strings.Join(decision.Matched, ",")
	}
	return decision
}

// ruleMatches проверяет, выполняются ли все условия правила.
// Отсутствующий в наборе признак означает, что условие не выполнено.
func ruleMatches(rule Rule, features map[string]float64) bool {
	for key, threshold := range rule.When {
		feature, op := splitCondition(key)
		value, ok := features[feature]
		if !ok {
			return false
		}
		switch op {
		case "Gte":
			if !(value >= threshold) {
				return false
			}
		case "Lte":
			if !(value <= threshold) {
				return false
			}
		case "Eq":
			if value != threshold {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// splitCondition разделяет ключ условия на имя признака и оператор
func splitCondition(key string) (string, string) {
	for _, op := range []string{"Gte", "Lte", "Eq"} {
		if strings.HasSuffix(key, op) {
			return strings.TrimSuffix(key, op), op
		}
	}
	return key, ""
}

// RuleCount возвращает количество загруженных правил
func (e *Engine) RuleCount() int {
	return len(e.rules)
}
