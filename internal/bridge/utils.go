package bridge

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/pkg/crypto"
)

// UtilsFormatBytes renders a byte count as a human-readable string.
func UtilsFormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// --- scripted wrappers ---

// jsUtilsSleep blocks the script for ms milliseconds. Under replay the
// sleep is skipped so replays run at full speed.
func (b *Bridge) jsUtilsSleep(call goja.FunctionCall) goja.Value {
	if err := b.require("utils:sleep", "*"); err != nil {
		b.throwErr(err)
	}
	if b.inReplay() {
		return goja.Undefined()
	}
	ms := arg(call, 0).ToInteger()
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	return goja.Undefined()
}

func (b *Bridge) jsUtilsUUID(call goja.FunctionCall) goja.Value {
	if err := b.require("utils:uuid", "*"); err != nil {
		b.throwErr(err)
	}
	return b.vm.ToValue(uuid.NewString())
}

func (b *Bridge) jsUtilsHash(call goja.FunctionCall) goja.Value {
	if err := b.require("utils:hash", "*"); err != nil {
		b.throwErr(err)
	}
	var data []byte
	switch d := arg(call, 0).Export().(type) {
	case string:
		data = []byte(d)
	case goja.ArrayBuffer:
		data = d.Bytes()
	default:
		data = []byte(arg(call, 0).String())
	}
	alg := ""
	if a := arg(call, 1); !goja.IsUndefined(a) {
		alg = a.String()
	}
	digest, err := crypto.Sum(data, alg)
	if err != nil {
		b.throwErr(domain.WrapError(domain.ErrInvalidArgument, err, "hash"))
	}
	return b.vm.ToValue(digest)
}

func (b *Bridge) jsUtilsFormatBytes(call goja.FunctionCall) goja.Value {
	if err := b.require("utils:formatBytes", "*"); err != nil {
		b.throwErr(err)
	}
	return b.vm.ToValue(UtilsFormatBytes(arg(call, 0).ToInteger()))
}

// jsUtilsRetry calls fn up to opts.attempts times (default 3) with
// opts.delay ms between attempts (default 100), returning the first
// successful result or throwing the last failure.
func (b *Bridge) jsUtilsRetry(call goja.FunctionCall) goja.Value {
	if err := b.require("utils:retry", "*"); err != nil {
		b.throwErr(err)
	}
	fn, ok := goja.AssertFunction(arg(call, 0))
	if !ok {
		b.throwErr(domain.NewError(domain.ErrInvalidArgument, "utils.retry requires a function"))
	}
	attempts := int64(3)
	delay := 100 * time.Millisecond
	if o := optsObject(arg(call, 1)); o != nil {
		if a, ok := o["attempts"].(int64); ok && a > 0 {
			attempts = a
		}
		if d, ok := o["delay"].(int64); ok && d >= 0 {
			delay = time.Duration(d) * time.Millisecond
		}
	}

	var lastErr error
	for i := int64(0); i < attempts; i++ {
		v, err := fn(goja.Undefined())
		if err == nil {
			return v
		}
		lastErr = err
		if i < attempts-1 && !b.inReplay() {
			time.Sleep(delay)
		}
	}
	b.throwErr(domain.WrapError(domain.ErrExecutionFailure, lastErr,
		"retry exhausted after %d attempts", attempts))
	return goja.Undefined()
}

// jsUtilsDeepMerge merges b into a recursively; scalar conflicts take
// the second argument's value.
func (b *Bridge) jsUtilsDeepMerge(call goja.FunctionCall) goja.Value {
	if err := b.require("utils:deepMerge", "*"); err != nil {
		b.throwErr(err)
	}
	left, err := b.ToNative(arg(call, 0))
	if err != nil {
		b.throwErr(err)
	}
	right, err := b.ToNative(arg(call, 1))
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(deepMerge(left, right))
}

func deepMerge(left, right *domain.Value) *domain.Value {
	if left == nil || left.Kind != domain.KindMap || right == nil || right.Kind != domain.KindMap {
		if right == nil || right.IsNull() {
			return left
		}
		return right
	}
	merged := make(map[string]*domain.Value, len(left.Map)+len(right.Map))
	for k, v := range left.Map {
		merged[k] = v
	}
	for k, rv := range right.Map {
		if lv, ok := merged[k]; ok {
			merged[k] = deepMerge(lv, rv)
		} else {
			merged[k] = rv
		}
	}
	return domain.NewMap(merged)
}

// jsUtilsDeepClone copies a value structurally; the clone shares no
// object identity with the source.
func (b *Bridge) jsUtilsDeepClone(call goja.FunctionCall) goja.Value {
	if err := b.require("utils:deepClone", "*"); err != nil {
		b.throwErr(err)
	}
	v, err := b.ToNative(arg(call, 0))
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}
