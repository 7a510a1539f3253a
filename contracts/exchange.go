package contracts

// Kind is the AMQP exchange type
type Kind string

const (
	KindDirect  Kind = "direct"
	KindFanout  Kind = "fanout"
	KindTopic   Kind = "topic"
	KindHeaders Kind = "headers"
)

// IsCustom reports whether the kind is not one of the four built-in types,
// e.g. "x-delayed-message" from a broker plugin.
func (k Kind) IsCustom() bool {
	switch k {
	case KindDirect, KindFanout, KindTopic, KindHeaders, "":
		return false
	}
	return true
}

// Exchange describes a broker exchange and how to set it up before publishing
type Exchange struct {
	Name       string
	Kind       Kind
	Durable    bool
	AutoDelete bool
	Internal   bool
	Passive    bool
	NoWait     bool
	Declare    bool
	Arguments  map[string]interface{}
}

// ExchangeOption configures an Exchange
type ExchangeOption func(*Exchange)

// WithName sets the exchange name
func WithName(name string) ExchangeOption {
	return func(e *Exchange) {
		e.Name = name
	}
}

// WithKind sets the exchange type
func WithKind(kind Kind) ExchangeOption {
	return func(e *Exchange) {
		e.Kind = kind
	}
}

// WithDurable sets whether the exchange survives a broker restart
func WithDurable(durable bool) ExchangeOption {
	return func(e *Exchange) {
		e.Durable = durable
	}
}

// WithAutoDelete sets whether the exchange is removed once unused
func WithAutoDelete(autoDelete bool) ExchangeOption {
	return func(e *Exchange) {
		e.AutoDelete = autoDelete
	}
}

// WithInternal marks the exchange as internal (exchange-to-exchange bindings only)
func WithInternal(internal bool) ExchangeOption {
	return func(e *Exchange) {
		e.Internal = internal
	}
}

// WithPassive makes the declaration verify the exchange without creating it
func WithPassive(passive bool) ExchangeOption {
	return func(e *Exchange) {
		e.Passive = passive
	}
}

// WithNoWait sends the declaration without waiting for the broker's reply
func WithNoWait(noWait bool) ExchangeOption {
	return func(e *Exchange) {
		e.NoWait = noWait
	}
}

// WithDeclare sets whether the exchange is declared before each publish
func WithDeclare(declare bool) ExchangeOption {
	return func(e *Exchange) {
		e.Declare = declare
	}
}

// WithArguments merges declaration arguments into the exchange.
// Later keys override earlier ones.
func WithArguments(args map[string]interface{}) ExchangeOption {
	return func(e *Exchange) {
		if len(args) == 0 {
			return
		}
		merged := make(map[string]interface{}, len(e.Arguments)+len(args))
		for k, v := range e.Arguments {
			merged[k] = v
		}
		for k, v := range args {
			merged[k] = v
		}
		e.Arguments = merged
	}
}

// NewExchange builds an exchange from options applied over the defaults:
// durable, not auto-deleted, not internal, not declared.
func NewExchange(options ...ExchangeOption) Exchange {
	e := Exchange{
		Durable: true,
	}

	for _, opt := range options {
		opt(&e)
	}

	return e
}

// Direct creates a direct exchange
func Direct(name string, options ...ExchangeOption) Exchange {
	return newKind(name, KindDirect, options)
}

// Fanout creates a fanout exchange
func Fanout(name string, options ...ExchangeOption) Exchange {
	return newKind(name, KindFanout, options)
}

// Topic creates a topic exchange
func Topic(name string, options ...ExchangeOption) Exchange {
	return newKind(name, KindTopic, options)
}

// Headers creates a headers exchange
func Headers(name string, options ...ExchangeOption) Exchange {
	return newKind(name, KindHeaders, options)
}

// Custom creates an exchange of a plugin-provided type
func Custom(name string, kind Kind, options ...ExchangeOption) Exchange {
	return newKind(name, kind, options)
}

// DefaultExchange returns the broker's nameless default exchange
func DefaultExchange() Exchange {
	return NewExchange()
}

func newKind(name string, kind Kind, options []ExchangeOption) Exchange {
	base := []ExchangeOption{WithName(name), WithKind(kind)}
	return NewExchange(append(base, options...)...)
}

// IsDefault reports whether this is the broker's default exchange.
// The default exchange has no name and always exists.
func (e Exchange) IsDefault() bool {
	return e.Name == ""
}

// ShouldDeclare reports whether a declaration must be issued before publishing.
// The default exchange is never declared.
func (e Exchange) ShouldDeclare() bool {
	return e.Declare && !e.IsDefault()
}

// Reconfigure returns a copy of the exchange with the options applied
func (e Exchange) Reconfigure(options ...ExchangeOption) Exchange {
	c := e
	if e.Arguments != nil {
		c.Arguments = make(map[string]interface{}, len(e.Arguments))
		for k, v := range e.Arguments {
			c.Arguments[k] = v
		}
	}
	for _, opt := range options {
		opt(&c)
	}
	return c
}
