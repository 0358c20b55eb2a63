package common

import (
	"go.uber.org/goleak"
)

// IgnoreRoutines goroutines to ignore in tests
func IgnoreRoutines() []goleak.Option {
	// long lived goroutines started by libraries on first use
	funcs2ignore := []string{
		"github.com/golang/glog.(*loggingT).flushDaemon",
		"github.com/golang/glog.(*fileSink).flushDaemon",
		"go.opencensus.io/stats/view.(*worker).start",
		"github.com/patrickmn/go-cache.(*janitor).Run",
		"internal/poll.runtime_pollWait",
	}

	res := make([]goleak.Option, 0, len(funcs2ignore)+1)
	for _, f := range funcs2ignore {
		res = append(res, goleak.IgnoreTopFunction(f))
	}
	return append(res, goleak.IgnoreCurrent())
}
