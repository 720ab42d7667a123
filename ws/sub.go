package ws

import (
	"fmt"
	"sync"
)

type boardSubscription struct {
	id   string
	kind string
}

type subManager struct {
	nextId int
	subs   []boardSubscription
	mutex  sync.Mutex
}

func newSubManager() *subManager {
	return &subManager{}
}

func (sm *subManager) addSubscription(kind string) string {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.nextId++
	s_id := fmt.Sprintf("0x%x", sm.nextId)
	sm.subs = append(sm.subs, boardSubscription{id: s_id, kind: kind})
	return s_id
}

func (sm *subManager) removeSubscription(id string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	for i, sub := range sm.subs {
		if sub.id == id {
			sm.subs = append(sm.subs[:i], sm.subs[i+1:]...)
			return
		}
	}
}

func (sm *subManager) getSubsForKind(kind string) []boardSubscription {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	var subs []boardSubscription
	for _, sub := range sm.subs {
		if sub.kind == kind {
			subs = append(subs, sub)
		}
	}
	return subs
}
