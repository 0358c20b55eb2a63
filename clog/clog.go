/*
Package clog provides Context with logging information.
*/
package clog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// unique type to prevent assignment.
type clogContextKeyT struct{}

var clogContextKey = clogContextKeyT{}

const (
	// standard keys
	nodeName  = "nodeName"
	sessionID = "sessionID"
	nonce     = "nonce"
	taskID    = "taskId"
	modelID   = "modelId"
)

// Verbose is a boolean type that implements Infof (like Printf) etc.
// See the documentation of V for more information.
type Verbose bool

var stdKeys map[string]bool
var stdKeysOrder = []string{nodeName, sessionID, nonce, modelID, taskID}

func init() {
	stdKeys = make(map[string]bool)
	for _, key := range stdKeysOrder {
		stdKeys[key] = true
	}
}

func V(level glog.Level) Verbose {
	return Verbose(bool(glog.V(level)))
}

type values struct {
	mu   sync.RWMutex
	vals map[string]string
	// insertion order of non-standard keys, so log lines are stable
	order []string
}

func newValues() *values {
	return &values{
		vals: make(map[string]string),
	}
}

// Clone creates new context with parentCtx as parent and
// logging details from logCtx
func Clone(parentCtx, logCtx context.Context) context.Context {
	cmap, _ := logCtx.Value(clogContextKey).(*values)
	newCmap := newValues()
	if cmap != nil {
		cmap.mu.RLock()
		for k, v := range cmap.vals {
			newCmap.vals[k] = v
		}
		newCmap.order = append(newCmap.order, cmap.order...)
		cmap.mu.RUnlock()
	}
	return context.WithValue(parentCtx, clogContextKey, newCmap)
}

func AddNodeName(ctx context.Context, val string) context.Context {
	return AddVal(ctx, nodeName, val)
}

func AddSessionID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, sessionID, val)
}

func AddNonce(ctx context.Context, val uint64) context.Context {
	return AddVal(ctx, nonce, strconv.FormatUint(val, 10))
}

func AddTaskID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, taskID, val)
}

func AddModelID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, modelID, val)
}

// AddVal stores key=val on the context's logging map. The map is shared with
// contexts derived from ctx; use Clone to fork it.
func AddVal(ctx context.Context, key, val string) context.Context {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		cmap = newValues()
		ctx = context.WithValue(ctx, clogContextKey, cmap)
	}
	cmap.mu.Lock()
	if _, ok := cmap.vals[key]; !ok && !stdKeys[key] {
		cmap.order = append(cmap.order, key)
	}
	cmap.vals[key] = val
	cmap.mu.Unlock()
	return ctx
}

func GetVal(ctx context.Context, key string) string {
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return ""
	}
	cmap.mu.RLock()
	defer cmap.mu.RUnlock()
	return cmap.vals[key]
}

func Warningf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.WarningDepth(1, msg)
}

// Errorf logs at error level. If the last argument is a nil error the message
// is logged at info level instead, which keeps call sites free of nil checks.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	msg, isErr := formatMessage(ctx, true, format, args...)
	if isErr {
		glog.ErrorDepth(1, msg)
	} else {
		glog.InfoDepth(1, msg)
	}
}

func Fatalf(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.FatalDepth(1, msg)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	infof(ctx, format, args...)
}

func infof(ctx context.Context, format string, args ...interface{}) {
	msg, _ := formatMessage(ctx, false, format, args...)
	glog.InfoDepth(2, msg)
}

// Infof is equivalent to the global Infof function, guarded by the value of v.
// See the documentation of V for usage.
func (v Verbose) Infof(ctx context.Context, format string, args ...interface{}) {
	if v {
		infof(ctx, format, args...)
	}
}

func messageFromContext(ctx context.Context, sb *strings.Builder) {
	if ctx == nil {
		return
	}
	cmap, _ := ctx.Value(clogContextKey).(*values)
	if cmap == nil {
		return
	}
	cmap.mu.RLock()
	for _, key := range stdKeysOrder {
		if val, ok := cmap.vals[key]; ok {
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(val)
			sb.WriteString(" ")
		}
	}
	for _, key := range cmap.order {
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(cmap.vals[key])
		sb.WriteString(" ")
	}
	cmap.mu.RUnlock()
}

// formatMessage renders the context values followed by the message. With
// lastErr set, a trailing error argument is split off and appended as err="..".
func formatMessage(ctx context.Context, lastErr bool, format string, args ...interface{}) (string, bool) {
	var sb strings.Builder
	messageFromContext(ctx, &sb)
	var err error
	if lastErr && len(args) > 0 {
		if e, ok := args[len(args)-1].(error); ok || args[len(args)-1] == nil {
			err = e
			args = args[:len(args)-1]
		}
	}
	sb.WriteString(fmt.Sprintf(format, args...))
	if err != nil {
		sb.WriteString(fmt.Sprintf(" err=%q", err.Error()))
	}
	return sb.String(), err != nil
}
