package messaging

import (
	"strconv"
	"time"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/config"
)

// Manager defaults.
const (
	defaultReconnectBackoff = 5 * time.Second
	defaultConnectTimeout   = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Minute
)

// Channels names the broker topics of the shared channels.
type Channels struct {
	Heartbeat   string
	Supervision string
	Broadcast   string
	Alarm       string

	// TagPrefix is the base of the per-domain tag-update topics.
	TagPrefix string
}

// Options configures a Manager, its Gateway and its Proxy channels.
type Options struct {
	Logger Logger

	// Health receives slow-consumer and backpressure notices (optional).
	Health HealthSink

	// ReconnectBackoff is the constant sleep between connection attempts.
	ReconnectBackoff time.Duration

	// AlertAfterFailures escalates the connect-failure log to error level
	// every N consecutive failures. 0 never escalates.
	AlertAfterFailures int

	ConnectTimeout time.Duration

	// Queue is the template for every dispatch queue. Its Capacity applies
	// to the low-rate channels.
	Queue dispatch.Options

	// HighRateCapacity is the capacity of tag-update and alarm queues.
	HighRateCapacity int

	Channels Channels
	Domain   string

	// RequestTimeout is the default per-reply timeout of a request.
	RequestTimeout time.Duration

	// MessageTTL is attached to every published request.
	MessageTTL time.Duration
}

// OptionsFromConfig maps the loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ReconnectBackoff:   cfg.Reconnect.BackoffDuration(),
		AlertAfterFailures: cfg.Reconnect.AlertAfterFailures,
		ConnectTimeout:     cfg.Broker.ConnectTimeoutDuration(),
		Queue: dispatch.Options{
			Capacity:                cfg.Dispatch.QueueCapacity,
			PollTimeout:             cfg.Dispatch.PollTimeoutDuration(),
			OfferTimeout:            cfg.Dispatch.OfferTimeoutDuration(),
			SlowConsumerThreshold:   cfg.Dispatch.SlowConsumerThresholdDuration(),
			BackpressureGranularity: cfg.Dispatch.BackpressureGranularity,
		},
		HighRateCapacity: cfg.Dispatch.HighRateQueueCapacity,
		Channels: Channels{
			Heartbeat:   cfg.Channels.Heartbeat,
			Supervision: cfg.Channels.Supervision,
			Broadcast:   cfg.Channels.Broadcast,
			Alarm:       cfg.Channels.Alarm,
			TagPrefix:   cfg.Channels.TagPrefix,
		},
		Domain:         cfg.Client.Domain,
		RequestTimeout: cfg.Requests.TimeoutDuration(),
		MessageTTL:     cfg.Requests.MessageTTLDuration(),
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = defaultReconnectBackoff
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.HighRateCapacity <= 0 {
		o.HighRateCapacity = dispatch.HighRateCapacity
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	return o
}

// TagRegistration returns the registration of a tag id on the domain's
// tag-update topic.
func (o Options) TagRegistration(id int64) TopicRegistration {
	topic := o.Channels.TagPrefix
	if o.Domain != "" {
		topic += "/" + o.Domain
	}
	return TopicRegistration{Topic: topic, Key: strconv.FormatInt(id, 10)}
}

// queueOptions derives the options of one topic queue.
func (o Options) queueOptions(name string, highRate bool) dispatch.Options {
	q := o.Queue
	q.Name = name
	q.Logger = o.Logger
	if highRate {
		q.Capacity = o.HighRateCapacity
	}
	if o.Health != nil {
		q.OnSlowConsumer = o.Health.OnSlowConsumer
		q.OnBackpressure = o.Health.OnBackpressure
	}
	return q
}
