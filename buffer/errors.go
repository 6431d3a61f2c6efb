package buffer

import "github.com/canflow/iocore/canerr"

func errNotFound(id string) error {
	return canerr.Configf("buffer %q not found", id)
}

func errNoActiveBuffer(t Type) error {
	return canerr.Configf("no active %s buffer", t)
}

func errActiveEvict(id string) error {
	return canerr.Configf("buffer %q must be finalized before eviction", id)
}
