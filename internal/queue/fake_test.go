package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	notify     []chan *amqp.Error
	closeOnce  sync.Once

	qos        int
	exchanges  map[string]string
	queues     map[string]amqp.Table
	binds      []string
	consumer   string
	events     []string
	published  []amqp.Publishing
	closed     bool
	afterClose []string
	declareErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan amqp.Delivery, 64),
		exchanges:  map[string]string{},
		queues:     map[string]amqp.Table{},
	}
}

func (f *fakeChannel) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.afterClose = append(f.afterClose, event)
	}
	f.events = append(f.events, event)
}

func (f *fakeChannel) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeChannel) Count(prefix string) int {
	n := 0
	for _, e := range f.Events() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeChannel) AfterClose() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.afterClose...)
}

func (f *fakeChannel) deliver(tag uint64, body string) {
	f.deliveries <- amqp.Delivery{DeliveryTag: tag, Body: []byte(body)}
}

// serverClose simulates the broker closing the channel.
func (f *fakeChannel) serverClose() {
	f.mu.Lock()
	notify := f.notify
	f.mu.Unlock()
	for _, n := range notify {
		n <- &amqp.Error{Code: amqp.ChannelError, Reason: "server closed channel"}
	}
	f.closeOnce.Do(func() { close(f.deliveries) })
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	f.qos = prefetchCount
	f.mu.Unlock()
	f.record(fmt.Sprintf("qos:%d", prefetchCount))
	return nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	f.mu.Lock()
	f.exchanges[name] = kind
	f.mu.Unlock()
	f.record("exchange:" + name)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	f.queues[name] = args
	f.mu.Unlock()
	f.record("queue:" + name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	f.binds = append(f.binds, fmt.Sprintf("%s<-%s:%s", name, exchange, key))
	f.mu.Unlock()
	f.record("bind:" + name)
	return nil
}

func (f *fakeChannel) Consume(_, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	f.consumer = consumer
	f.mu.Unlock()
	f.record("consume")
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.record("cancel:" + consumer)
	return nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.record(fmt.Sprintf("ack:%d", tag))
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	f.record(fmt.Sprintf("nack:%d:%t", tag, requeue))
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	f.record("publish:" + exchange + ":" + key)
	return nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	f.notify = append(f.notify, c)
	f.mu.Unlock()
	return c
}

func (f *fakeChannel) Close() error {
	f.record("close")
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeConnection struct {
	mu      sync.Mutex
	channel *fakeChannel
	closed  bool
}

func (f *fakeConnection) Channel() (Channel, error) {
	return f.channel, nil
}

func (f *fakeConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return c
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConnection) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeBroker hands out one connection per dial, failing while failDials > 0.
type fakeBroker struct {
	mu        sync.Mutex
	channels  []*fakeChannel
	conns     []*fakeConnection
	dials     int
	failDials int
	dialed    chan int
}

func newFakeBroker(channels ...*fakeChannel) *fakeBroker {
	return &fakeBroker{channels: channels, dialed: make(chan int, 16)}
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++

	if b.failDials > 0 {
		b.failDials--
		return nil, errors.New("connection refused")
	}
	if len(b.conns) >= len(b.channels) {
		return nil, errors.New("no more channels scripted")
	}

	conn := &fakeConnection{channel: b.channels[len(b.conns)]}
	b.conns = append(b.conns, conn)
	b.dialed <- len(b.conns)
	return conn, nil
}
