package pattern

import "fmt"

// Payload carries the named parameters that characterize an action's
// intent. Each action type has its own variant with typed fields;
// Fields flattens the variant into the string map the similarity
// scorer and the JSON wire format operate on.
//
// Keys the variant does not model explicitly are preserved in an Extra
// map so imported records survive a round trip unchanged.
type Payload interface {
	ActionType() ActionType
	Fields() map[string]string
}

// SelectElementPayload identifies an element to select, e.g. a project
// entry in a picker.
type SelectElementPayload struct {
	ProjectName string
	Extra       map[string]string
}

func (p SelectElementPayload) ActionType() ActionType { return ActionSelectElement }

func (p SelectElementPayload) Fields() map[string]string {
	fields := cloneExtra(p.Extra)
	if p.ProjectName != "" {
		fields["projectName"] = p.ProjectName
	}
	return fields
}

// FillTextPayload carries the text to type into an input.
type FillTextPayload struct {
	Value string
	Extra map[string]string
}

func (p FillTextPayload) ActionType() ActionType { return ActionFillText }

func (p FillTextPayload) Fields() map[string]string {
	fields := cloneExtra(p.Extra)
	if p.Value != "" {
		fields["value"] = p.Value
	}
	return fields
}

// ClickElementPayload describes the element to click by its visible
// label.
type ClickElementPayload struct {
	Label string
	Extra map[string]string
}

func (p ClickElementPayload) ActionType() ActionType { return ActionClickElement }

func (p ClickElementPayload) Fields() map[string]string {
	fields := cloneExtra(p.Extra)
	if p.Label != "" {
		fields["label"] = p.Label
	}
	return fields
}

// SelectOptionPayload picks an option from a dropdown or listbox.
type SelectOptionPayload struct {
	Option string
	Extra  map[string]string
}

func (p SelectOptionPayload) ActionType() ActionType { return ActionSelectOption }

func (p SelectOptionPayload) Fields() map[string]string {
	fields := cloneExtra(p.Extra)
	if p.Option != "" {
		fields["option"] = p.Option
	}
	return fields
}

// DecodePayload builds the payload variant for the given action type
// from a flat field map. Unknown keys land in the variant's Extra map.
func DecodePayload(actionType ActionType, fields map[string]string) (Payload, error) {
	switch actionType {
	case ActionSelectElement:
		p := SelectElementPayload{ProjectName: fields["projectName"]}
		p.Extra = extraFields(fields, "projectName")
		return p, nil
	case ActionFillText:
		p := FillTextPayload{Value: fields["value"]}
		p.Extra = extraFields(fields, "value")
		return p, nil
	case ActionClickElement:
		p := ClickElementPayload{Label: fields["label"]}
		p.Extra = extraFields(fields, "label")
		return p, nil
	case ActionSelectOption:
		p := SelectOptionPayload{Option: fields["option"]}
		p.Extra = extraFields(fields, "option")
		return p, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown action type %q", actionType)
	}
}

func cloneExtra(extra map[string]string) map[string]string {
	fields := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

func extraFields(fields map[string]string, known ...string) map[string]string {
	var extra map[string]string
	for k, v := range fields {
		skip := false
		for _, name := range known {
			if k == name {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[k] = v
	}
	return extra
}
