package api

import (
	"bytes"
	"encoding/json"

	"github.com/accordsai/negotiationlane/pkg/domain"
)

var boolPatchFields = map[string]func(*domain.PolicyFields) **bool{
	"allowCounter":           func(f *domain.PolicyFields) **bool { return &f.AllowCounter },
	"closeOnAccept":          func(f *domain.PolicyFields) **bool { return &f.CloseOnAccept },
	"closeOnDecline":         func(f *domain.PolicyFields) **bool { return &f.CloseOnDecline },
	"providerCanInitiate":    func(f *domain.PolicyFields) **bool { return &f.ProviderCanInitiate },
	"stakeholderCanInitiate": func(f *domain.PolicyFields) **bool { return &f.StakeholderCanInitiate },
	"allowProposalContext":   func(f *domain.PolicyFields) **bool { return &f.AllowProposalContext },
}

// applyPatch sets each present key on base. null clears the field.
func applyPatch(base domain.PolicyFields, raw map[string]json.RawMessage) (domain.PolicyFields, error) {
	out := base
	for key, v := range raw {
		isNull := bytes.Equal(bytes.TrimSpace(v), []byte("null"))
		if key == "maxTurns" {
			if isNull {
				out.MaxTurns = nil
				continue
			}
			var n int
			if err := json.Unmarshal(v, &n); err != nil {
				return domain.PolicyFields{}, domain.ErrInvalidPolicyValue.WithMessage("maxTurns must be an integer")
			}
			out.MaxTurns = &n
			continue
		}
		field, ok := boolPatchFields[key]
		if !ok {
			return domain.PolicyFields{}, domain.ErrInvalidPolicyValue.WithMessage("unknown policy field %q", key)
		}
		if isNull {
			*field(&out) = nil
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return domain.PolicyFields{}, domain.ErrInvalidPolicyValue.WithMessage("%s must be a boolean", key)
		}
		*field(&out) = &b
	}
	return out, nil
}
