package yjs

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/crdt"
)

// HandleInstAction answers the inst actions that only need the document:
// get_inst_state_from_updates, create_initialization_update,
// apply_updates_to_inst and get_current_inst_update. It reports whether
// the action was one of them.
//
// With a task id, results and failures are emitted as async actions and
// the returned error is nil. Without one, failures are returned.
func (p *Partition) HandleInstAction(remote *bots.RemoteAction) (bool, error) {
	var result any
	var err error
	switch e := remote.Event.(type) {
	case *bots.GetInstStateFromUpdatesAction:
		result, err = StateFromUpdates(e.Updates)
	case *bots.CreateInitializationUpdateAction:
		result, err = InitializationUpdate(e.Bots)
	case *bots.ApplyUpdatesToInstAction:
		err = p.importUpdates(e.Updates)
	case *bots.GetCurrentInstUpdateAction:
		var data []byte
		data, err = p.EncodeState()
		if err == nil {
			result = bots.InstUpdate{
				Update:    base64.StdEncoding.EncodeToString(data),
				Timestamp: time.Now().UnixMilli(),
			}
		}
	default:
		return false, nil
	}
	if remote.TaskID == "" {
		return true, err
	}
	if err != nil {
		p.Emit(bots.AsyncError(remote.TaskID, err))
		return true, nil
	}
	p.Emit(bots.AsyncResult(remote.TaskID, result))
	return true, nil
}

func decodeInstUpdates(updates []bots.InstUpdate) ([][]byte, error) {
	out := make([][]byte, 0, len(updates))
	for _, u := range updates {
		data, err := base64.StdEncoding.DecodeString(u.Update)
		if err != nil {
			return nil, fmt.Errorf("%w: update %d: %v", crdt.ErrMalformedUpdate, u.ID, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func (p *Partition) importUpdates(updates []bots.InstUpdate) error {
	raw, err := decodeInstUpdates(updates)
	if err != nil {
		return err
	}
	return p.applyUpdates(raw, originImport)
}

// StateFromUpdates computes the bot state a document built from updates
// holds.
func StateFromUpdates(updates []bots.InstUpdate) (bots.BotsState, error) {
	raw, err := decodeInstUpdates(updates)
	if err != nil {
		return nil, err
	}
	p, err := New(Options{})
	if err != nil {
		return nil, err
	}
	defer p.Unsubscribe()
	if err := p.applyUpdates(raw, originRemote); err != nil {
		return nil, err
	}
	return p.State(), nil
}

// InitializationUpdate encodes bots as a single update.
func InitializationUpdate(list []*bots.Bot) (bots.InstUpdate, error) {
	p, err := New(Options{})
	if err != nil {
		return bots.InstUpdate{}, err
	}
	defer p.Unsubscribe()
	var adds []bots.Action
	for _, b := range list {
		if b != nil {
			adds = append(adds, bots.AddBot(b))
		}
	}
	if _, err := p.ApplyEvents(adds); err != nil {
		return bots.InstUpdate{}, err
	}
	data, err := p.EncodeState()
	if err != nil {
		return bots.InstUpdate{}, err
	}
	return bots.InstUpdate{
		Update:    base64.StdEncoding.EncodeToString(data),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}
