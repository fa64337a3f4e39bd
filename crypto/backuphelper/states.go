// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backuphelper

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

type BackupState int

const (
	StateUnknown BackupState = iota
	StateCheckingServer
	StateDisabled
	StateNotTrusted
	StateEnabling
	StateReadyToBackUp
	StateWillBackUp
	StateBackingUp
	StateWrongBackupVersion
)

func (state BackupState) String() string {
	switch state {
	case StateUnknown:
		return "unknown"
	case StateCheckingServer:
		return "checking_server"
	case StateDisabled:
		return "disabled"
	case StateNotTrusted:
		return "not_trusted"
	case StateEnabling:
		return "enabling"
	case StateReadyToBackUp:
		return "ready_to_back_up"
	case StateWillBackUp:
		return "will_back_up"
	case StateBackingUp:
		return "backing_up"
	case StateWrongBackupVersion:
		return "wrong_backup_version"
	default:
		return fmt.Sprintf("BackupState(%d)", int(state))
	}
}

// IsStuck returns true for states that only change after an explicit check
// of the server.
func (state BackupState) IsStuck() bool {
	switch state {
	case StateUnknown, StateDisabled, StateWrongBackupVersion, StateNotTrusted:
		return true
	default:
		return false
	}
}

// IsEnabled returns true if keys are being backed up to an active version.
func (state BackupState) IsEnabled() bool {
	switch state {
	case StateReadyToBackUp, StateWillBackUp, StateBackingUp:
		return true
	default:
		return false
	}
}

// allowedTransitions lists the valid targets for each state. Moving to
// StateUnknown is always allowed, as it's used to tear down the backup.
var allowedTransitions = map[BackupState][]BackupState{
	StateUnknown:            {StateCheckingServer, StateEnabling, StateNotTrusted},
	StateCheckingServer:     {StateDisabled, StateNotTrusted, StateEnabling},
	StateDisabled:           {StateCheckingServer, StateEnabling, StateDisabled, StateNotTrusted},
	StateNotTrusted:         {StateCheckingServer, StateEnabling, StateNotTrusted, StateDisabled},
	StateWrongBackupVersion: {StateCheckingServer, StateEnabling, StateNotTrusted},
	StateEnabling:           {StateReadyToBackUp, StateDisabled},
	StateReadyToBackUp:      {StateWillBackUp, StateBackingUp, StateReadyToBackUp, StateEnabling, StateNotTrusted, StateDisabled},
	StateWillBackUp:         {StateBackingUp, StateReadyToBackUp, StateEnabling, StateNotTrusted, StateDisabled},
	StateBackingUp:          {StateReadyToBackUp, StateWillBackUp, StateWrongBackupVersion, StateEnabling, StateNotTrusted, StateDisabled},
}

func canTransition(from, to BackupState) bool {
	if to == StateUnknown {
		return true
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateListener is called with every new state. Listeners are called from
// a dispatcher goroutine, never from the goroutine that changed the state.
type StateListener func(state BackupState)

// ListenerHandle identifies a registered listener for RemoveListener.
type ListenerHandle uint64

type registeredListener struct {
	handle   ListenerHandle
	listener StateListener
}

type dispatch struct {
	state     BackupState
	listeners []registeredListener
}

// StateManager holds the current backup state and broadcasts every change
// to the registered listeners in registration order.
type StateManager struct {
	log zerolog.Logger

	lock       sync.Mutex
	state      BackupState
	listeners  []registeredListener
	nextHandle ListenerHandle

	queue       []dispatch
	dispatching bool
	idle        *sync.Cond
}

func NewStateManager(log zerolog.Logger) *StateManager {
	sm := &StateManager{log: log}
	sm.idle = sync.NewCond(&sm.lock)
	return sm
}

func (sm *StateManager) State() BackupState {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	return sm.state
}

// SetState moves to the given state if the transition is allowed. Invalid
// transitions are logged and ignored.
func (sm *StateManager) SetState(state BackupState) bool {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	prev := sm.state
	if !canTransition(prev, state) {
		sm.log.Warn().
			Stringer("prev_state", prev).
			Stringer("state", state).
			Msg("Ignoring invalid key backup state transition")
		return false
	}
	sm.state = state
	sm.log.Debug().
		Stringer("prev_state", prev).
		Stringer("state", state).
		Msg("Key backup state changed")
	if len(sm.listeners) > 0 {
		sm.queue = append(sm.queue, dispatch{state: state, listeners: slices.Clone(sm.listeners)})
		if !sm.dispatching {
			sm.dispatching = true
			go sm.dispatchLoop()
		}
	}
	return true
}

func (sm *StateManager) dispatchLoop() {
	for {
		sm.lock.Lock()
		if len(sm.queue) == 0 {
			sm.dispatching = false
			sm.idle.Broadcast()
			sm.lock.Unlock()
			return
		}
		next := sm.queue[0]
		sm.queue[0] = dispatch{}
		sm.queue = sm.queue[1:]
		sm.lock.Unlock()
		for _, l := range next.listeners {
			sm.callListener(l, next.state)
		}
	}
}

func (sm *StateManager) callListener(l registeredListener, state BackupState) {
	defer func() {
		if err := recover(); err != nil {
			sm.log.Error().
				Any("panic", err).
				Uint64("listener", uint64(l.handle)).
				Msg("Key backup state listener panicked")
		}
	}()
	l.listener(state)
}

// WaitForDispatch blocks until all queued state changes have been delivered.
func (sm *StateManager) WaitForDispatch() {
	sm.lock.Lock()
	for sm.dispatching {
		sm.idle.Wait()
	}
	sm.lock.Unlock()
}

func (sm *StateManager) AddListener(listener StateListener) ListenerHandle {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	sm.nextHandle++
	sm.listeners = append(sm.listeners, registeredListener{handle: sm.nextHandle, listener: listener})
	return sm.nextHandle
}

func (sm *StateManager) RemoveListener(handle ListenerHandle) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	sm.listeners = slices.DeleteFunc(sm.listeners, func(l registeredListener) bool {
		return l.handle == handle
	})
}
