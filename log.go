package dwarfs

import "github.com/sirupsen/logrus"

// newComponentLogger tags every log line with the subsystem that emitted
// it, mirroring the way the teacher sprinkled ad-hoc log.Printf calls
// through section/table/inode code but routed through one configurable
// logger instead of the stdlib package-level one.
func newComponentLogger(base *logrus.Logger, component string) *logrus.Entry {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithField("component", component)
}
