package session

// Relay forwards output fragments to one sink, in arrival order, without
// buffering. Fragments carry no execution id, so they belong to whichever
// run is in flight; clearing earlier output is the sink owner's job.
type Relay struct {
	sink func(fragment string)
}

// NewRelay returns a relay for sink. A nil sink drops fragments.
func NewRelay(sink func(fragment string)) *Relay {
	return &Relay{sink: sink}
}

// Forward delivers one fragment.
func (r *Relay) Forward(fragment string) {
	if r == nil || r.sink == nil {
		return
	}
	r.sink(fragment)
}
