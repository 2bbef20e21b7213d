package bridge

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/fsnotify/fsnotify"
	"github.com/oriys/nexus/internal/domain"
	"github.com/oriys/nexus/internal/logging"
)

func (b *Bridge) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(b.cwd(), path)
}

// FSReadFile reads a file as string (default) or bytes when encoding is
// "binary".
func (b *Bridge) FSReadFile(path, encoding string) (*domain.Value, error) {
	abs := b.resolvePath(path)
	if err := b.require("fs:read", abs); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fsError(err, abs)
	}
	var v *domain.Value
	if encoding == "binary" {
		v = domain.NewBytes(data)
	} else {
		v = domain.NewString(string(data))
	}
	if err := b.TrackValue(v); err != nil {
		return nil, err
	}
	return v, nil
}

// FSWriteFile overwrites (or creates) a file. The parent directory must
// exist.
func (b *Bridge) FSWriteFile(path string, content []byte) error {
	abs := b.resolvePath(path)
	if err := b.require("fs:write", abs); err != nil {
		return err
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return fsError(err, abs)
	}
	return nil
}

// FSListDir lists directory entries in filesystem order.
func (b *Bridge) FSListDir(path string) (*domain.Value, error) {
	abs := b.resolvePath(path)
	if err := b.require("fs:list", abs); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fsError(err, abs)
	}
	out := make([]*domain.Value, 0, len(entries))
	for _, e := range entries {
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		out = append(out, domain.NewMap(map[string]*domain.Value{
			"name":        domain.NewString(e.Name()),
			"isFile":      domain.NewBool(!e.IsDir()),
			"isDirectory": domain.NewBool(e.IsDir()),
			"path":        domain.NewString(filepath.Join(abs, e.Name())),
			"size":        domain.NewInt(size),
		}))
	}
	v := domain.NewList(out...)
	if err := b.TrackValue(v); err != nil {
		return nil, err
	}
	return v, nil
}

// FSStat returns file metadata. Creation time is not portably
// available; created mirrors modified.
func (b *Bridge) FSStat(path string) (*domain.Value, error) {
	abs := b.resolvePath(path)
	if err := b.require("fs:stat", abs); err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fsError(err, abs)
	}
	mod := info.ModTime().UnixMilli()
	return domain.NewMap(map[string]*domain.Value{
		"size":        domain.NewInt(info.Size()),
		"isFile":      domain.NewBool(!info.IsDir()),
		"isDirectory": domain.NewBool(info.IsDir()),
		"modified":    domain.NewInt(mod),
		"created":     domain.NewInt(mod),
		"mode":        domain.NewString(info.Mode().String()),
	}), nil
}

// FindOptions configures FSFind.
type FindOptions struct {
	Path     string
	Type     string // "file", "directory" or ""
	MaxDepth int
	Regex    bool
	// Predicate overrides pattern matching entirely. Only the scripted
	// surface can supply one (a callback); it cannot cross the native
	// boundary.
	Predicate func(name string) bool
}

// FSFind walks the tree under opts.Path matching names against pattern
// (substring by default, regexp when opts.Regex). Unreadable subtrees
// are skipped.
func (b *Bridge) FSFind(pattern string, opts FindOptions) (*domain.Value, error) {
	root := b.resolvePath(opts.Path)
	if opts.Path == "" {
		root = b.cwd()
	}
	if err := b.require("fs:read", root); err != nil {
		return nil, err
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 10
	}

	var match func(string) bool
	if opts.Predicate != nil {
		match = opts.Predicate
	} else if opts.Regex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidArgument, err, "invalid find pattern")
		}
		match = re.MatchString
	} else {
		match = func(name string) bool { return strings.Contains(name, pattern) }
	}

	var out []*domain.Value
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr == nil && rel != "." {
			if depth := len(strings.Split(rel, string(filepath.Separator))); depth > opts.MaxDepth {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}
		if path == root {
			return nil
		}
		if opts.Type == "file" && d.IsDir() {
			return nil
		}
		if opts.Type == "directory" && !d.IsDir() {
			return nil
		}
		if !match(d.Name()) {
			return nil
		}
		out = append(out, domain.NewMap(map[string]*domain.Value{
			"name":        domain.NewString(d.Name()),
			"path":        domain.NewString(path),
			"isFile":      domain.NewBool(!d.IsDir()),
			"isDirectory": domain.NewBool(d.IsDir()),
		}))
		return nil
	})
	if err != nil {
		return nil, fsError(err, root)
	}
	v := domain.NewList(out...)
	if err := b.TrackValue(v); err != nil {
		return nil, err
	}
	return v, nil
}

func fsError(err error, path string) error {
	if os.IsNotExist(err) {
		return domain.WrapError(domain.ErrNotFound, err, "%s", path)
	}
	if os.IsPermission(err) {
		return domain.WrapError(domain.ErrPermissionDenied, err, "%s", path)
	}
	return domain.WrapError(domain.ErrExecutionFailure, err, "%s", path)
}

// watcher is the native resource behind an fs.watch handle.
type watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

func (w *watcher) stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
		w.fsw.Close()
	}
}

// --- scripted wrappers ---

func (b *Bridge) jsFSReadFile(call goja.FunctionCall) goja.Value {
	path := arg(call, 0).String()
	encoding := ""
	if o := optsObject(arg(call, 1)); o != nil {
		if e, ok := o["encoding"].(string); ok {
			encoding = e
		}
	}
	v, err := b.FSReadFile(path, encoding)
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

func (b *Bridge) jsFSWriteFile(call goja.FunctionCall) goja.Value {
	path := arg(call, 0).String()
	var content []byte
	switch c := arg(call, 1).Export().(type) {
	case string:
		content = []byte(c)
	case goja.ArrayBuffer:
		content = c.Bytes()
	default:
		content = []byte(arg(call, 1).String())
	}
	if err := b.FSWriteFile(path, content); err != nil {
		b.throwErr(err)
	}
	return goja.Undefined()
}

func (b *Bridge) jsFSListDir(call goja.FunctionCall) goja.Value {
	path := arg(call, 0).String()
	if goja.IsUndefined(arg(call, 0)) {
		path = "."
	}
	v, err := b.FSListDir(path)
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

func (b *Bridge) jsFSStat(call goja.FunctionCall) goja.Value {
	v, err := b.FSStat(arg(call, 0).String())
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

func (b *Bridge) jsFSFind(call goja.FunctionCall) goja.Value {
	pattern := ""
	opts := FindOptions{}
	if pred, ok := goja.AssertFunction(arg(call, 0)); ok {
		// Find runs on the VM goroutine, so the predicate may be
		// invoked directly.
		opts.Predicate = func(name string) bool {
			v, err := pred(goja.Undefined(), b.vm.ToValue(name))
			return err == nil && v.ToBoolean()
		}
	} else {
		pattern = arg(call, 0).String()
	}
	if o := optsObject(arg(call, 1)); o != nil {
		if p, ok := o["path"].(string); ok {
			opts.Path = p
		}
		if t, ok := o["type"].(string); ok {
			opts.Type = t
		}
		if d, ok := o["maxDepth"].(int64); ok {
			opts.MaxDepth = int(d)
		}
		if r, ok := o["regex"].(bool); ok {
			opts.Regex = r
		}
	}
	v, err := b.FSFind(pattern, opts)
	if err != nil {
		b.throwErr(err)
	}
	return b.ToScripted(v)
}

// jsFSWatch registers a watcher on path. The callback receives
// {eventType, filename, path}; the returned object's stop() releases
// the watcher and its handle.
func (b *Bridge) jsFSWatch(call goja.FunctionCall) goja.Value {
	path := arg(call, 0).String()
	cb, ok := goja.AssertFunction(arg(call, 1))
	if !ok {
		b.throwErr(domain.NewError(domain.ErrInvalidArgument, "fs.watch requires a callback"))
	}
	abs := b.resolvePath(path)
	if err := b.require("fs:watch", abs); err != nil {
		b.throwErr(err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		b.throwErr(domain.WrapError(domain.ErrExecutionFailure, err, "create watcher"))
	}
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		b.throwErr(fsError(err, abs))
	}

	w := &watcher{fsw: fsw, done: make(chan struct{})}
	id := b.handles.Put(w, "watcher")

	go func() {
		for {
			select {
			case <-w.done:
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				b.vmMu.Lock()
				_, cerr := cb(goja.Undefined(), b.vm.ToValue(map[string]any{
					"eventType": strings.ToLower(ev.Op.String()),
					"filename":  filepath.Base(ev.Name),
					"path":      ev.Name,
				}))
				b.vmMu.Unlock()
				if cerr != nil {
					logging.Op().Warn("watch callback failed", "path", abs, "error", cerr)
				}
			case werr, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logging.Op().Warn("watch error", "path", abs, "error", werr)
			}
		}
	}()

	obj := b.vm.NewObject()
	obj.Set("__handle", id)
	obj.Set("__handleType", "watcher")
	obj.Set("stop", func(goja.FunctionCall) goja.Value {
		w.stop()
		b.handles.Release(id)
		return goja.Undefined()
	})
	return obj
}
