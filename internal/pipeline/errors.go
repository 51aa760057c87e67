package pipeline

import "github.com/rotisserie/eris"

var (
	// ErrProducer marks a transient fetch failure; retried by the fetch step.
	ErrProducer = eris.New("producer fetch failed")

	// ErrCommitVisibility is returned when a committed raw batch is not yet
	// readable. Retried by re-running the materialize step, never by
	// re-fetching.
	ErrCommitVisibility = eris.New("raw batch not yet visible")

	// ErrMaterialize marks a storage failure during silver append or gold
	// rebuild; retried by the materialize step.
	ErrMaterialize = eris.New("materialize failed")

	// ErrBusy is returned to a trigger that arrives while a run is active.
	// Surfaced immediately to the caller; never queued or retried.
	ErrBusy = eris.New("a run is already in progress")

	// ErrConfig marks invalid configuration. Fatal at startup.
	ErrConfig = eris.New("invalid configuration")

	// ErrNotFound is returned by stores when the requested batch, run or
	// entity has no data.
	ErrNotFound = eris.New("not found")
)
