package queue

import "time"

// Observer is the engine's metrics plug point. Implementations must be
// safe for concurrent use; all hooks run on hot paths.
type Observer interface {
	// ObserveSubmit is called once per accepted submission.
	ObserveSubmit(opcode uint32)

	// ObserveComplete is called once per completed request with its final
	// status (0 or negative errno) and submit-to-complete latency.
	ObserveComplete(opcode uint32, status int32, latency time.Duration)

	// ObserveQueueDepth is called with the pending queue depth after
	// enqueue and drain transitions.
	ObserveQueueDepth(depth uint32)

	// ObserveReply is called once per well-formed reply frame.
	ObserveReply()

	// ObserveNotify is called once per dispatched notification.
	ObserveNotify(code int32)

	// ObserveProtocolError is called when a channel call is rejected for
	// a malformed frame.
	ObserveProtocolError()

	// ObserveRestart is called after a restart with the number of
	// redelivered requests.
	ObserveRestart(redelivered int)
}

// NoOpObserver discards all observations.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(uint32)                        {}
func (NoOpObserver) ObserveComplete(uint32, int32, time.Duration) {}
func (NoOpObserver) ObserveQueueDepth(uint32)                    {}
func (NoOpObserver) ObserveReply()                               {}
func (NoOpObserver) ObserveNotify(int32)                         {}
func (NoOpObserver) ObserveProtocolError()                       {}
func (NoOpObserver) ObserveRestart(int)                          {}

var _ Observer = NoOpObserver{}
