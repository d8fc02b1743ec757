package bots

import "slices"

// Lower expands apply_state actions into add, remove and update actions
// against the current state. Other actions pass through unchanged.
//
// A nil bot in the delta removes it. A bot already present becomes an
// update whose nil tag values delete tags. A new bot becomes an add.
func Lower(state BotsState, actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		as, ok := a.(*ApplyStateAction)
		if !ok {
			out = append(out, a)
			continue
		}
		ids := make([]string, 0, len(as.State))
		for id := range as.State {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			partial := as.State[id]
			if partial == nil {
				out = append(out, RemoveBot(id))
				continue
			}
			if _, exists := state[id]; exists {
				out = append(out, &UpdateBotAction{ID: id, Tags: partial.Tags, Masks: partial.Masks})
				continue
			}
			b := CreateBot(id, partial.Tags)
			if len(partial.Masks) > 0 {
				b.Masks = make(map[string]Tags, len(partial.Masks))
				for space, tags := range partial.Masks {
					b.Masks[space] = CreateBot(id, tags).Tags
				}
			}
			out = append(out, AddBot(b))
		}
	}
	return out
}
