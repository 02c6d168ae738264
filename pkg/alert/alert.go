package alert

import (
	"github.com/cuemby/sandboxd/pkg/log"
)

// Violation describes one policy violation raised inside a worker.
type Violation struct {
	Sandbox string
	Op      string // operation label; the Supervisor sets "dispatch"
	Err     error
}

// Handler is invoked once per Violation. Handlers run synchronously on the
// worker's own goroutine in Dispatch's calling order, so a slow handler
// delays the next one — callers needing async fan-out should hand off to
// their own goroutine inside the handler.
type Handler func(Violation)

// Dispatcher sequentially delivers violations to every registered handler,
// collecting (not propagating) any handler panic as an error so the rest
// of the subscriber list still runs.
type Dispatcher struct {
	handlers []Handler
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Register appends handler to the subscriber list. Not safe to call
// concurrently with Dispatch; callers register subscribers during setup.
func (d *Dispatcher) Register(handler Handler) {
	d.handlers = append(d.handlers, handler)
}

// Dispatch delivers v to every subscriber in registration order. A handler
// that panics is recovered and reported as an error for that subscriber;
// subsequent handlers still run. The returned slice holds one error per
// failing handler, in delivery order, and is nil if every handler
// succeeded.
func (d *Dispatcher) Dispatch(v Violation) []error {
	var errs []error
	for _, h := range d.handlers {
		if err := invoke(h, v); err != nil {
			log.WithComponent("alert").Warn().
				Err(err).
				Str("sandbox", v.Sandbox).
				Str("op", v.Op).
				Msg("alert subscriber failed")
			errs = append(errs, err)
		}
	}
	return errs
}

func invoke(h Handler, v Violation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	h(v)
	return nil
}

type panicError struct{ v any }

func (p panicError) Error() string {
	if e, ok := p.v.(error); ok {
		return "alert subscriber panicked: " + e.Error()
	}
	return "alert subscriber panicked"
}
