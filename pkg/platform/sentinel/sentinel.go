package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Store and index adapters return
// these wrapped around the driver error so the pipeline can decide, without
// knowing which backend is behind an interface, whether a failure means
// "the sink is down" or "the thing you asked for is not there".
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrTimeout     = errors.New("timeout")
)
