// Package logx wraps apex/log with the image/phase fields every core
// component needs, and defines the small Status/Logger collaborator
// interfaces the core calls into (spec'd as external: the core never
// imports a concrete logging backend directly).
package logx

import "github.com/apex/log"

// Logger is the logging surface the core phases depend on. apex/log's
// *log.Entry already satisfies it.
type Logger interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	Debugf(string, ...interface{})
}

// Status is the progress-reporting surface the driver injects; a
// no-op implementation is used when the core runs without a driver.
type Status interface {
	Update(unit string, status string)
}

// NopStatus discards every update, used by tests and single-image runs
// that don't need a progress bar.
type NopStatus struct{}

func (NopStatus) Update(string, string) {}

// ForImage returns a Logger scoped to one image, carrying an `image`
// field the way ipsw's dyld commands tag every log line with the
// dylib being processed.
func ForImage(base *log.Logger, image string) *log.Entry {
	return base.WithField("image", image)
}

// ForPhase further scopes an already-image-scoped entry with a `phase`
// field (e.g. "slideinfo", "objcfix").
func ForPhase(entry *log.Entry, phase string) *log.Entry {
	return entry.WithField("phase", phase)
}
