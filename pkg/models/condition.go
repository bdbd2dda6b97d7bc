package models

// ConditionOperator names a predicate applied to a looked-up field.
type ConditionOperator string

const (
	OpEq         ConditionOperator = "eq"
	OpNeq        ConditionOperator = "neq"
	OpGt         ConditionOperator = "gt"
	OpGte        ConditionOperator = "gte"
	OpLt         ConditionOperator = "lt"
	OpLte        ConditionOperator = "lte"
	OpIn         ConditionOperator = "in"
	OpNotIn      ConditionOperator = "notIn"
	OpContains   ConditionOperator = "contains"
	OpStartsWith ConditionOperator = "startsWith"
	OpEndsWith   ConditionOperator = "endsWith"
	OpMatches    ConditionOperator = "matches"
	OpExists     ConditionOperator = "exists"
	OpIsEmpty    ConditionOperator = "isEmpty"
)

// Condition is a single predicate over an entity field or a context.* path.
type Condition struct {
	Field    string            `json:"field"           yaml:"field"           validate:"required"`
	Operator ConditionOperator `json:"operator"        yaml:"operator"        validate:"required,oneof=eq neq gt gte lt lte in notIn contains startsWith endsWith matches exists isEmpty"`
	Value    any               `json:"value,omitempty" yaml:"value,omitempty"`
	Negate   bool              `json:"negate,omitempty" yaml:"negate,omitempty"`
}
