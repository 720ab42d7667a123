package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// common bus package

type Message struct {
	ID    int
	Topic string
	Type  string
	Data  interface{}
	Error error
}

type Bus struct {
	Subscribers map[string][]chan *Message // topic -> subscribers
	M           sync.Mutex
	In          chan *Message
	NextID      int
}

var cb *Bus = &Bus{
	Subscribers: make(map[string][]chan *Message),
	In:          make(chan *Message, 1000),
	NextID:      0,
}

func Init() {
	go ProcessMessages()
}

func ProcessMessages() {
	for msg := range cb.In {
		cb.M.Lock()
		subs, ok := cb.Subscribers[msg.Topic]
		if ok {
			for _, subscriber := range subs {
				select {
				case subscriber <- msg:
				default:
					log.Warn().Msgf("bus: dropping %s/%s for slow subscriber", msg.Topic, msg.Type)
				}
			}
		}
		cb.M.Unlock()
	}
}

func Subscribe(topic ...string) chan *Message {
	log.Trace().Msgf("bus.Subscribing to %v", topic)

	cb.M.Lock()
	defer cb.M.Unlock()

	ch := make(chan *Message, 1000)

	added := make(map[string]bool)

	for _, t := range topic {
		if _, ok := added[t]; ok { // prevent duplicate subscriptions
			continue
		}
		added[t] = true

		subs, ok := cb.Subscribers[t]
		if !ok {
			subs = make([]chan *Message, 0)
		}

		subs = append(subs, ch)
		cb.Subscribers[t] = subs
	}

	return ch
}

func Unsubscribe(ch chan *Message) {
	log.Trace().Msg("bus.Unsubscribing")

	cb.M.Lock()
	defer cb.M.Unlock()

	for t, subs := range cb.Subscribers {
		for i, subscriber := range subs {
			if subscriber == ch {
				subs = append(subs[:i], subs[i+1:]...)
				cb.Subscribers[t] = subs
				break
			}
		}
	}

	close(ch)
}

func Send(topic, t string, data interface{}) int {
	return SendEx(topic, t, data, nil)
}

func SendEx(topic, t string, data interface{}, err error) int {
	log.Trace().Msgf("   %04d->%s: %s", cb.NextID, topic, t)

	cb.M.Lock()
	defer cb.M.Unlock()

	cb.NextID++
	cb.In <- &Message{
		ID:    cb.NextID,
		Topic: topic,
		Type:  t,
		Data:  data,
		Error: err,
	}

	return cb.NextID
}

// SendAfter schedules a message for later delivery. Used for the
// fixed-delay refetch that follows a broadcast-confirmed write.
func SendAfter(d time.Duration, topic, t string, data interface{}) *time.Timer {
	return time.AfterFunc(d, func() {
		Send(topic, t, data)
	})
}
