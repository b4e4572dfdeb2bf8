package events

// EventType names a kind of event and selects the topic it travels on.
type EventType string

func (t EventType) String() string { return string(t) }

// PublishOption adjusts a single publish call.
type PublishOption func(*PublishParams)

// PublishParams is the result of applying PublishOptions.
type PublishParams struct {
	// Key picks the partition. Job events use the job id so one job's events
	// stay ordered.
	Key     string
	Headers map[string]string
}

// WithKey sets the partition key.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders attaches headers that travel alongside the payload.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// ApplyOptions folds opts into a PublishParams value.
func ApplyOptions(opts []PublishOption) PublishParams {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
