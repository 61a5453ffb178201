// Package domain defines the core interfaces and types for Heron.
package domain

import (
	"encoding/json"
	"fmt"
)

// FeatureKind distinguishes numeric from categorical features.
type FeatureKind string

const (
	KindNumeric     FeatureKind = "numeric"
	KindCategorical FeatureKind = "categorical"
)

// FeatureSchema maps canonical feature names to their kind.
// Predicates may only reference fields present in the schema.
type FeatureSchema map[string]FeatureKind

// DefaultSchema returns the canonical ILEC policy feature schema.
func DefaultSchema() FeatureSchema {
	return FeatureSchema{
		"Attained_Age":     KindNumeric,
		"Issue_Age":        KindNumeric,
		"Duration":         KindNumeric,
		"Sex":              KindCategorical,
		"Smoker_Status":    KindCategorical,
		"Insurance_Plan":   KindCategorical,
		"Face_Amount_Band": KindCategorical,
		"Preferred_Class":  KindCategorical,
		"SOA_Post_Lvl_Ind": KindCategorical,
		"SOA_Antp_Lvl_TP":  KindCategorical,
		"SOA_Guar_Lvl_TP":  KindCategorical,
	}
}

// FeatureValue is a single typed feature value.
// Exactly one of Num or Cat is meaningful, selected by Kind.
type FeatureValue struct {
	Kind FeatureKind `json:"kind"`
	Num  float64     `json:"num,omitempty"`
	Cat  string      `json:"cat,omitempty"`
}

// Numeric constructs a numeric feature value.
func Numeric(v float64) FeatureValue {
	return FeatureValue{Kind: KindNumeric, Num: v}
}

// Categorical constructs a categorical feature value.
func Categorical(v string) FeatureValue {
	return FeatureValue{Kind: KindCategorical, Cat: v}
}

// UnmarshalJSON accepts both the typed form {"kind":"numeric","num":88}
// and bare JSON scalars: numbers become numeric values, strings
// categorical.
func (v *FeatureValue) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*v = Numeric(num)
		return nil
	}
	var cat string
	if err := json.Unmarshal(data, &cat); err == nil {
		*v = Categorical(cat)
		return nil
	}
	type typed FeatureValue
	var t typed
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("feature value must be a number, a string, or a typed object: %w", err)
	}
	*v = FeatureValue(t)
	return nil
}

// String renders the value for logs and provenance records.
func (v FeatureValue) String() string {
	if v.Kind == KindNumeric {
		return fmt.Sprintf("%g", v.Num)
	}
	return v.Cat
}

// FeatureVector is one policy record's attributes at evaluation time.
// It is owned by the caller for the duration of a single evaluation and
// must not be mutated once classification starts.
type FeatureVector map[string]FeatureValue

// Validate checks the vector against a schema. Extra fields are rejected
// as loudly as missing kinds: a vector that does not conform to the
// canonical schema must never reach the matcher.
func (fv FeatureVector) Validate(schema FeatureSchema) error {
	for name, val := range fv {
		kind, ok := schema[name]
		if !ok {
			return &SchemaError{Field: name, Reason: "not in canonical schema"}
		}
		if val.Kind != kind {
			return &SchemaError{Field: name, Reason: fmt.Sprintf("declared %s, schema says %s", val.Kind, kind)}
		}
	}
	return nil
}
