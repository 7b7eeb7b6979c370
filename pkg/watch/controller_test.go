package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ngld/assetflow/pkg/buildsys"
)

type fakeWatcher struct {
	mu      sync.Mutex
	watched []string
	events  chan Event
	errors  chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		events: make(chan Event, 10),
		errors: make(chan error, 10),
	}
}

func (f *fakeWatcher) WatchRecursive(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.watched = append(f.watched, path)
	return nil
}

func (f *fakeWatcher) Events() <-chan Event { return f.events }
func (f *fakeWatcher) Errors() <-chan error { return f.errors }
func (f *fakeWatcher) Close() error         { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type counters struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counters) action(name string) buildsys.Action {
	return func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls[name]++
		return nil
	}
}

func (c *counters) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func siteSession(root string) *buildsys.WatchSession {
	return &buildsys.WatchSession{
		Name:    "watch",
		Base:    root,
		Initial: []string{"default"},
		Bindings: []buildsys.WatchBinding{
			{Patterns: []string{"src/index.html"}, Tasks: []string{"html"}},
			{Patterns: []string{"src/images/**/*"}, Tasks: []string{"imagemin"}},
			{Patterns: []string{"src/sass/**/*"}, Tasks: []string{"sass"}},
		},
	}
}

func siteRegistry(t *testing.T, c *counters) *buildsys.Registry {
	t.Helper()

	reg := buildsys.NewRegistry()
	for _, name := range []string{"imagemin", "sass", "html"} {
		if err := reg.Add(name, nil, c.action(name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Add("default", []string{"imagemin", "sass", "html"}, nil); err != nil {
		t.Fatal(err)
	}
	return reg
}

func startController(t *testing.T, ctrl *Controller) (context.CancelFunc, chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	if err := ctrl.Start(ctx); err != nil {
		cancel()
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- ctrl.Run(ctx)
	}()
	return cancel, done
}

func TestController_ImageChangeRunsOnlyImagemin(t *testing.T) {
	root := t.TempDir()
	c := &counters{calls: map[string]int{}}
	watcher := newFakeWatcher()
	ctrl := NewController(buildsys.NewRunner(siteRegistry(t, c)), siteSession(root), watcher)

	if ctrl.State() != Idle {
		t.Error("a new controller should be idle")
	}

	cancel, done := startController(t, ctrl)
	defer cancel()

	if ctrl.State() != Watching {
		t.Error("controller isn't watching after Start")
	}
	for _, name := range []string{"imagemin", "sass", "html"} {
		if c.get(name) != 1 {
			t.Errorf("initial build ran %s %d times", name, c.get(name))
		}
	}

	expectedDirs := []string{filepath.Join(root, "src")}
	if !reflect.DeepEqual(watcher.watched, expectedDirs) {
		t.Errorf("unexpected watched dirs %v", watcher.watched)
	}

	watcher.events <- Event{Path: filepath.Join(root, "src", "images", "logo.png"), Op: OpWrite}
	waitFor(t, "imagemin", func() bool { return c.get("imagemin") == 2 })

	// give a wrongly scheduled task the chance to show up
	time.Sleep(50 * time.Millisecond)
	if c.get("sass") != 1 || c.get("html") != 1 {
		t.Errorf("unrelated tasks ran: sass=%d html=%d", c.get("sass"), c.get("html"))
	}

	watcher.events <- Event{Path: filepath.Join(root, "src", "about.html"), Op: OpWrite}
	time.Sleep(50 * time.Millisecond)
	if c.get("html") != 1 {
		t.Error("html ran for a file outside of its pattern")
	}

	cancel()
	if err := <-done; err != nil {
		t.Error(err)
	}
}

func TestController_ImageChangeLeavesStylesheetAlone(t *testing.T) {
	root := t.TempDir()
	css := filepath.Join(root, "dist", "css", "style.css")
	if err := os.MkdirAll(filepath.Dir(css), 0o755); err != nil {
		t.Fatal(err)
	}

	reg := buildsys.NewRegistry()
	write := func(path string) buildsys.Action {
		return func(ctx context.Context) error {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			return os.WriteFile(path, []byte(time.Now().String()), 0o644)
		}
	}
	for name, target := range map[string]string{
		"imagemin": filepath.Join(root, "dist", "images", "logo.png"),
		"sass":     css,
		"html":     filepath.Join(root, "dist", "index.html"),
	} {
		if err := reg.Add(name, nil, write(target)); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Add("default", []string{"imagemin", "sass", "html"}, nil); err != nil {
		t.Fatal(err)
	}

	watcher := newFakeWatcher()
	ctrl := NewController(buildsys.NewRunner(reg), siteSession(root), watcher)
	cancel, done := startController(t, ctrl)
	defer cancel()

	before, err := os.Stat(css)
	if err != nil {
		t.Fatal(err)
	}
	logo := filepath.Join(root, "dist", "images", "logo.png")
	logoBefore, err := os.Stat(logo)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	watcher.events <- Event{Path: filepath.Join(root, "src", "images", "logo.png"), Op: OpWrite}
	waitFor(t, "image rebuild", func() bool {
		info, err := os.Stat(logo)
		return err == nil && info.ModTime().After(logoBefore.ModTime())
	})

	after, err := os.Stat(css)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("the style sheet was rewritten after an image change")
	}

	cancel()
	<-done
}

func TestController_CoalescesEventsWhileRunning(t *testing.T) {
	var runs int32
	started := make(chan struct{})
	release := make(chan struct{})

	reg := buildsys.NewRegistry()
	err := reg.Add("sass", nil, func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(started)
			<-release
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	session := &buildsys.WatchSession{
		Name:     "watch",
		Base:     root,
		Bindings: []buildsys.WatchBinding{{Patterns: []string{"src/sass/**/*.scss"}, Tasks: []string{"sass"}}},
	}

	watcher := newFakeWatcher()
	ctrl := NewController(buildsys.NewRunner(reg), session, watcher)
	cancel, done := startController(t, ctrl)
	defer cancel()

	changed := filepath.Join(root, "src", "sass", "parts", "_colors.scss")
	watcher.events <- Event{Path: changed, Op: OpWrite}
	<-started

	for i := 0; i < 3; i++ {
		watcher.events <- Event{Path: changed, Op: OpWrite}
	}
	// wait until the controller consumed the events
	waitFor(t, "events", func() bool { return len(watcher.events) == 0 })
	time.Sleep(20 * time.Millisecond)
	close(release)

	waitFor(t, "follow-up run", func() bool { return atomic.LoadInt32(&runs) == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Errorf("expected exactly one follow-up run, got %d runs", got)
	}

	cancel()
	<-done
}

func TestController_FailuresKeepWatching(t *testing.T) {
	var runs int32
	reg := buildsys.NewRegistry()
	err := reg.Add("sass", nil, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("Undefined variable: $color")
	})
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	session := &buildsys.WatchSession{
		Name:     "watch",
		Base:     root,
		Initial:  []string{"sass"},
		Bindings: []buildsys.WatchBinding{{Patterns: []string{"src/sass/**/*"}, Tasks: []string{"sass"}}},
	}

	watcher := newFakeWatcher()
	ctrl := NewController(buildsys.NewRunner(reg), session, watcher)
	cancel, done := startController(t, ctrl)
	defer cancel()

	watcher.events <- Event{Path: filepath.Join(root, "src", "sass", "style.scss"), Op: OpWrite}
	waitFor(t, "second run", func() bool { return atomic.LoadInt32(&runs) == 2 })

	select {
	case err := <-done:
		t.Fatalf("controller stopped after a task failure: %v", err)
	default:
	}

	cancel()
	<-done
}

func TestController_StartFailsOnMissingTask(t *testing.T) {
	reg := buildsys.NewRegistry()
	session := &buildsys.WatchSession{Name: "watch", Base: t.TempDir(), Initial: []string{"default"}}

	err := NewController(buildsys.NewRunner(reg), session, newFakeWatcher()).Start(context.Background())
	var missing *buildsys.MissingTaskError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingTaskError, got %v", err)
	}
}

func TestController_Dirs(t *testing.T) {
	session := &buildsys.WatchSession{
		Base: "/project",
		Bindings: []buildsys.WatchBinding{
			{Patterns: []string{"src/sass/**/*", "!src/sass/vendor/**"}},
			{Patterns: []string{"assets/*.png"}},
			{Patterns: []string{"src/**/*.html"}},
		},
	}

	ctrl := NewController(nil, session, nil)
	expected := []string{filepath.FromSlash("/project/assets"), filepath.FromSlash("/project/src")}
	if got := ctrl.Dirs(); !reflect.DeepEqual(got, expected) {
		t.Errorf("unexpected dirs %v", got)
	}
}
