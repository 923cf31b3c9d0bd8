package actionblock

import (
	"bytes"
	"encoding/json"

	"github.com/accordsai/negotiationlane/pkg/domain"
)

// Kind is the closed set of block variants. Each variant owns its fixed action
// vocabulary and the shape of its payload and responses.
type Kind interface {
	Type() domain.BlockType
	Actions() []domain.Action
	ValidatePayload(payload json.RawMessage) error
	ValidateResponse(action domain.Action, payload, response json.RawMessage) error
	sealed()
}

// KindOf returns the variant for t.
func KindOf(t domain.BlockType) (Kind, error) {
	k, ok := kinds[t]
	if !ok {
		return nil, domain.ErrInvalidBlockType.WithMessage("unknown block type %q", t)
	}
	return k, nil
}

var kinds = map[domain.BlockType]Kind{
	domain.BlockOffer:         offerKind{},
	domain.BlockQuestion:      questionKind{},
	domain.BlockMultiQuestion: multiQuestionKind{},
	domain.BlockAvailability:  availabilityKind{},
	domain.BlockChangeRequest: changeRequestKind{},
	domain.BlockCapacity:      noticeKind{t: domain.BlockCapacity},
	domain.BlockCancellation:  noticeKind{t: domain.BlockCancellation},
	domain.BlockLink:          linkOutKind{t: domain.BlockLink},
	domain.BlockDocument:      linkOutKind{t: domain.BlockDocument},
}

// Allows reports whether k's vocabulary contains a.
func Allows(k Kind, a domain.Action) bool {
	for _, allowed := range k.Actions() {
		if allowed == a {
			return true
		}
	}
	return false
}

// RespondsWith reports whether a carries a response value.
func RespondsWith(a domain.Action) bool {
	switch a {
	case domain.ActionAnswer, domain.ActionSelect, domain.ActionCounter:
		return true
	}
	return false
}

type offerKind struct{}

func (offerKind) Type() domain.BlockType { return domain.BlockOffer }
func (offerKind) Actions() []domain.Action {
	return []domain.Action{domain.ActionAccept, domain.ActionDecline}
}
func (offerKind) ValidatePayload(p json.RawMessage) error { return requireObject(p) }
func (offerKind) ValidateResponse(domain.Action, json.RawMessage, json.RawMessage) error {
	return nil
}
func (offerKind) sealed() {}

type questionKind struct{}

func (questionKind) Type() domain.BlockType   { return domain.BlockQuestion }
func (questionKind) Actions() []domain.Action { return []domain.Action{domain.ActionAnswer} }
func (questionKind) ValidatePayload(p json.RawMessage) error {
	var q struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(p, &q); err != nil || q.Prompt == "" {
		return domain.ErrInvalidBlockPayload.WithMessage("question requires a prompt")
	}
	return nil
}
func (questionKind) ValidateResponse(_ domain.Action, _, response json.RawMessage) error {
	return requireValue(response)
}
func (questionKind) sealed() {}

type subQuestion struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

type multiQuestionKind struct{}

func (multiQuestionKind) Type() domain.BlockType   { return domain.BlockMultiQuestion }
func (multiQuestionKind) Actions() []domain.Action { return []domain.Action{domain.ActionAnswer} }
func (multiQuestionKind) ValidatePayload(p json.RawMessage) error {
	_, err := subQuestions(p)
	return err
}

// ValidateResponse requires an answer for every sub-question and nothing else.
func (multiQuestionKind) ValidateResponse(_ domain.Action, payload, response json.RawMessage) error {
	questions, err := subQuestions(payload)
	if err != nil {
		return err
	}
	var r struct {
		Answers map[string]json.RawMessage `json:"answers"`
	}
	if err := json.Unmarshal(response, &r); err != nil || r.Answers == nil {
		return domain.ErrMissingSubAnswers.WithMessage("response must carry an answers object")
	}
	known := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		known[q.ID] = struct{}{}
		if requireValue(r.Answers[q.ID]) != nil {
			return domain.ErrMissingSubAnswers.WithMessage("sub-question %s is unanswered", q.ID)
		}
	}
	for id := range r.Answers {
		if _, ok := known[id]; !ok {
			return domain.ErrUnexpectedResponse.WithMessage("unknown sub-question %s", id)
		}
	}
	return nil
}
func (multiQuestionKind) sealed() {}

func subQuestions(p json.RawMessage) ([]subQuestion, error) {
	var body struct {
		Questions []subQuestion `json:"questions"`
	}
	if err := json.Unmarshal(p, &body); err != nil || len(body.Questions) == 0 {
		return nil, domain.ErrInvalidBlockPayload.WithMessage("multi_question requires questions")
	}
	seen := map[string]struct{}{}
	for _, q := range body.Questions {
		if !domain.ValidOpaqueID(q.ID) || q.Prompt == "" {
			return nil, domain.ErrInvalidBlockPayload.WithMessage("every sub-question needs an id and a prompt")
		}
		if _, dup := seen[q.ID]; dup {
			return nil, domain.ErrInvalidBlockPayload.WithMessage("duplicate sub-question %s", q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return body.Questions, nil
}

type availabilityKind struct{}

func (availabilityKind) Type() domain.BlockType { return domain.BlockAvailability }
func (availabilityKind) Actions() []domain.Action {
	return []domain.Action{domain.ActionSelect, domain.ActionDecline}
}
func (availabilityKind) ValidatePayload(p json.RawMessage) error {
	_, err := slotIDs(p)
	return err
}

// ValidateResponse requires the selected slot to be one the block offers.
func (availabilityKind) ValidateResponse(action domain.Action, payload, response json.RawMessage) error {
	if action != domain.ActionSelect {
		return nil
	}
	ids, err := slotIDs(payload)
	if err != nil {
		return err
	}
	var r struct {
		SlotID string `json:"slotId"`
	}
	if err := json.Unmarshal(response, &r); err != nil || r.SlotID == "" {
		return domain.ErrInvalidSelection.WithMessage("response must carry slotId")
	}
	if _, ok := ids[r.SlotID]; !ok {
		return domain.ErrInvalidSelection.WithMessage("slot %s is not offered", r.SlotID)
	}
	return nil
}
func (availabilityKind) sealed() {}

func slotIDs(p json.RawMessage) (map[string]struct{}, error) {
	var body struct {
		Slots []struct {
			ID string `json:"id"`
		} `json:"slots"`
	}
	if err := json.Unmarshal(p, &body); err != nil || len(body.Slots) == 0 {
		return nil, domain.ErrInvalidBlockPayload.WithMessage("availability requires slots")
	}
	ids := make(map[string]struct{}, len(body.Slots))
	for _, s := range body.Slots {
		if !domain.ValidOpaqueID(s.ID) {
			return nil, domain.ErrInvalidBlockPayload.WithMessage("every slot needs an id")
		}
		ids[s.ID] = struct{}{}
	}
	return ids, nil
}

type changeRequestKind struct{}

func (changeRequestKind) Type() domain.BlockType { return domain.BlockChangeRequest }
func (changeRequestKind) Actions() []domain.Action {
	return []domain.Action{domain.ActionAccept, domain.ActionDecline, domain.ActionCounter}
}
func (changeRequestKind) ValidatePayload(p json.RawMessage) error { return requireObject(p) }
func (changeRequestKind) ValidateResponse(action domain.Action, _, response json.RawMessage) error {
	if action == domain.ActionCounter {
		return requireValue(response)
	}
	return nil
}
func (changeRequestKind) sealed() {}

// noticeKind covers informational blocks that can only be acknowledged.
type noticeKind struct{ t domain.BlockType }

func (k noticeKind) Type() domain.BlockType                { return k.t }
func (noticeKind) Actions() []domain.Action                { return []domain.Action{domain.ActionAcknowledge} }
func (noticeKind) ValidatePayload(p json.RawMessage) error { return requireObject(p) }
func (noticeKind) ValidateResponse(domain.Action, json.RawMessage, json.RawMessage) error {
	return nil
}
func (noticeKind) sealed() {}

// linkOutKind blocks point elsewhere and take no in-place action.
type linkOutKind struct{ t domain.BlockType }

func (k linkOutKind) Type() domain.BlockType { return k.t }
func (linkOutKind) Actions() []domain.Action { return nil }
func (linkOutKind) ValidatePayload(p json.RawMessage) error {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(p, &body); err != nil || body.URL == "" {
		return domain.ErrInvalidBlockPayload.WithMessage("link-out blocks require a url")
	}
	return nil
}
func (linkOutKind) ValidateResponse(domain.Action, json.RawMessage, json.RawMessage) error {
	return nil
}
func (linkOutKind) sealed() {}

func requireObject(p json.RawMessage) error {
	t := bytes.TrimSpace(p)
	var m map[string]json.RawMessage
	if len(t) == 0 || t[0] != '{' || json.Unmarshal(t, &m) != nil {
		return domain.ErrInvalidBlockPayload.WithMessage("payload must be a JSON object")
	}
	return nil
}

func requireValue(v json.RawMessage) error {
	t := bytes.TrimSpace(v)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte(`""`)) {
		return domain.ErrResponseRequired
	}
	return nil
}
