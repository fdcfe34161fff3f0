package pricing

import (
	"encoding/json"
	"fmt"
)

// Target is what a campaign applies to. The set of implementations is closed:
// ProductTarget and CategoryTarget.
type Target interface {
	matches(it Item) bool
	isTarget()
}

type ProductTarget struct{ ID int64 }

type CategoryTarget struct{ ID int64 }

func (ProductTarget) isTarget()  {}
func (CategoryTarget) isTarget() {}

func (t ProductTarget) matches(it Item) bool  { return it.ProductID == t.ID }
func (t CategoryTarget) matches(it Item) bool { return it.CategoryID != 0 && it.CategoryID == t.ID }

const (
	targetKindProduct  = "product"
	targetKindCategory = "category"
)

// TargetKind returns the storage discriminator of t (campaign_targets.target_type).
func TargetKind(t Target) string {
	switch t.(type) {
	case ProductTarget:
		return targetKindProduct
	case CategoryTarget:
		return targetKindCategory
	default:
		panic(fmt.Sprintf("pricing: unknown target %T", t))
	}
}

func TargetID(t Target) int64 {
	switch v := t.(type) {
	case ProductTarget:
		return v.ID
	case CategoryTarget:
		return v.ID
	default:
		panic(fmt.Sprintf("pricing: unknown target %T", t))
	}
}

// ParseTarget rebuilds a target from its stored (kind, id) pair.
func ParseTarget(kind string, id int64) (Target, error) {
	switch kind {
	case targetKindProduct:
		return ProductTarget{ID: id}, nil
	case targetKindCategory:
		return CategoryTarget{ID: id}, nil
	default:
		return nil, fmt.Errorf("pricing: unknown target kind %q", kind)
	}
}

// Targets carries a JSON codec so campaigns survive the pending-order stage.
type Targets []Target

type wireTarget struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

func (ts Targets) MarshalJSON() ([]byte, error) {
	out := make([]wireTarget, 0, len(ts))
	for _, t := range ts {
		out = append(out, wireTarget{Kind: TargetKind(t), ID: TargetID(t)})
	}
	return json.Marshal(out)
}

func (ts *Targets) UnmarshalJSON(b []byte) error {
	var in []wireTarget
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := make(Targets, 0, len(in))
	for _, w := range in {
		t, err := ParseTarget(w.Kind, w.ID)
		if err != nil {
			return err
		}
		out = append(out, t)
	}
	*ts = out
	return nil
}
