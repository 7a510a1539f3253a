package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
)

// PublishOptions carries the per-publish flags
type PublishOptions struct {
	// Mandatory asks the broker to return the message if no queue is bound.
	// Default false.
	Mandatory bool

	// Immediate asks the broker to return the message if no consumer can take
	// it right away. Default false. RabbitMQ 3+ rejects it.
	Immediate bool

	// Ticket is the legacy access ticket. Default nil.
	Ticket *int

	// Batch queues the message on the channel and flushes the batch before
	// returning. Default false.
	Batch bool
}

// Options is the configuration accepted by PublishBasic and PublishBatch
type Options struct {
	// Exchange builds the target exchange when none is passed explicitly.
	// Options are applied over contracts.NewExchange defaults.
	Exchange []contracts.ExchangeOption

	// Publish holds the publish flags
	Publish PublishOptions
}

// Ticket returns a pointer to t for PublishOptions.Ticket
func Ticket(t int) *int {
	return &t
}

// Publisher resolves exchanges, declares them when asked to, and publishes
// messages on a channel obtained from the ConnectionManager
type Publisher struct {
	manager *ConnectionManager
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	channelID uint16
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithChannelID pins the publisher to a channel id.
// By default the first publish allocates a channel and keeps using it.
func WithChannelID(id uint16) PublisherOption {
	return func(p *Publisher) {
		p.channelID = id
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics records declaration and publish metrics
func WithPublisherMetrics(metrics *Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:   manager,
		channelID: AnyChannel,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// ResolveExchange picks the exchange a publish goes to: the explicit
// exchange if given, else one built from opts, else the default exchange.
func ResolveExchange(exchange *contracts.Exchange, opts Options) contracts.Exchange {
	if exchange != nil {
		return *exchange
	}
	if len(opts.Exchange) > 0 {
		return contracts.NewExchange(opts.Exchange...)
	}
	return contracts.DefaultExchange()
}

// PublishBasic publishes one message.
//
// message may be a contracts.Envelope or a raw payload accepted by
// contracts.ToEnvelope. When the resolved exchange asks for it, an
// exchange declaration is issued first; a failed declaration aborts the
// publish. Failures are returned as *ChannelError, *DeclarationError or
// *PublishError and are never retried here.
func (p *Publisher) PublishBasic(ctx context.Context, message interface{}, routingKey string, exchange *contracts.Exchange, opts Options) error {
	env, err := contracts.ToEnvelope(message)
	if err != nil {
		return err
	}

	ex := ResolveExchange(exchange, opts)

	ch, err := p.prepare(ctx, ex)
	if err != nil {
		return err
	}

	msg := newPublishMessage(env, ex, routingKey, opts.Publish)

	if !opts.Publish.Batch {
		err = ch.Publish(ctx, msg)
		p.metrics.observePublish(ex.Name, 1, err)
		if err != nil {
			return publishError(ex, routingKey, opts.Publish, err)
		}
		return nil
	}

	if err := ch.PublishBatched(msg); err != nil {
		p.metrics.observePublish(ex.Name, 1, err)
		return publishError(ex, routingKey, opts.Publish, err)
	}
	return p.flush(ctx, ch, ex, routingKey, opts.Publish, 1)
}

// PublishBatch queues every message on the channel and flushes them with a
// single batch. The exchange is declared at most once. Messages are all
// converted before any I/O so an unsupported payload sends nothing, and a
// message the channel refuses to queue discards the whole batch.
func (p *Publisher) PublishBatch(ctx context.Context, messages []interface{}, routingKey string, exchange *contracts.Exchange, opts Options) error {
	envelopes := make([]contracts.Envelope, 0, len(messages))
	for _, m := range messages {
		env, err := contracts.ToEnvelope(m)
		if err != nil {
			return err
		}
		envelopes = append(envelopes, env)
	}

	if len(envelopes) == 0 {
		return nil
	}

	ex := ResolveExchange(exchange, opts)
	publish := opts.Publish
	publish.Batch = true

	ch, err := p.prepare(ctx, ex)
	if err != nil {
		return err
	}

	for _, env := range envelopes {
		if err := ch.PublishBatched(newPublishMessage(env, ex, routingKey, publish)); err != nil {
			dropped := ch.DiscardBatch()
			p.metrics.observePublish(ex.Name, len(envelopes), err)
			p.logger.Debug("batch abandoned",
				"exchange", ex.Name,
				"dropped", dropped)
			return publishError(ex, routingKey, publish, err)
		}
	}

	return p.flush(ctx, ch, ex, routingKey, publish, len(envelopes))
}

// prepare gets the publisher's channel and declares ex when required
func (p *Publisher) prepare(ctx context.Context, ex contracts.Exchange) (Channel, error) {
	ch, err := p.channel(ctx)
	if err != nil {
		return nil, err
	}

	if !ex.ShouldDeclare() {
		return ch, nil
	}

	err = ch.DeclareExchange(ex)
	p.metrics.observeDeclaration(ex.Name, err)
	if err != nil {
		return nil, &DeclarationError{
			Exchange:  ex.Name,
			Kind:      string(ex.Kind),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	p.logger.Debug("exchange declared",
		"exchange", ex.Name,
		"kind", ex.Kind,
		"passive", ex.Passive)

	return ch, nil
}

// channel returns the publisher's channel. The id allocated on first use
// is kept for later publishes.
func (p *Publisher) channel(ctx context.Context) (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.manager.GetChannel(ctx, p.channelID)
	if err != nil {
		return nil, err
	}
	if p.channelID == AnyChannel {
		p.channelID = ch.ID()
	}
	return ch, nil
}

func (p *Publisher) flush(ctx context.Context, ch Channel, ex contracts.Exchange, routingKey string, opts PublishOptions, count int) error {
	err := ch.FlushBatch(ctx)
	p.metrics.observePublish(ex.Name, count, err)
	if err != nil {
		return publishError(ex, routingKey, opts, err)
	}
	p.metrics.observeBatch(count)
	return nil
}

func newPublishMessage(env contracts.Envelope, ex contracts.Exchange, routingKey string, opts PublishOptions) PublishMessage {
	return PublishMessage{
		Exchange:   ex.Name,
		RoutingKey: routingKey,
		Mandatory:  opts.Mandatory,
		Immediate:  opts.Immediate,
		Ticket:     opts.Ticket,
		Message:    env,
	}
}

func publishError(ex contracts.Exchange, routingKey string, opts PublishOptions, err error) error {
	return &PublishError{
		Exchange:   ex.Name,
		RoutingKey: routingKey,
		Mandatory:  opts.Mandatory,
		Batched:    opts.Batch,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
