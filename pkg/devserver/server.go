// Package devserver serves the build output of a watch session and tells connected browsers to
// reload whenever the build writes new files.
package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/unrolled/secure"

	"github.com/ngld/assetflow/pkg/buildlog"
	"github.com/ngld/assetflow/pkg/buildsys"
)

const (
	// DefaultAddress is used when the session doesn't configure one.
	DefaultAddress = "localhost:3000"

	reloadPath = "/__livereload"
	scriptPath = "/__livereload.js"
)

var scriptTag = []byte(`<script src="` + scriptPath + `"></script>`)

const clientScript = `(function () {
  var source = new EventSource("` + reloadPath + `");
  source.onmessage = function (event) {
    var msg = JSON.parse(event.data);
    var paths = msg.paths || [];
    var cssOnly = paths.length > 0 && paths.every(function (p) { return /\.css$/.test(p); });
    if (!cssOnly) {
      window.location.reload();
      return;
    }

    var links = document.querySelectorAll('link[rel="stylesheet"]');
    for (var i = 0; i < links.length; i++) {
      var href = links[i].href.replace(/[?&]livereload=\d+/, "");
      links[i].href = href + (href.indexOf("?") < 0 ? "?" : "&") + "livereload=" + Date.now();
    }
  };
})();
`

// ReloadMessage is the payload of every event on the live-reload stream.
type ReloadMessage struct {
	Paths []string `json:"paths"`
}

// Server is the development server of a watch session. It implements pipeline.Notifier.
type Server struct {
	root    string
	address string
	open    bool
	broker  *Broker
	router  *mux.Router
}

// New creates a server for opts. Paths passed to Notify are reported relative to opts.Root.
func New(opts buildsys.ServerOptions) *Server {
	s := &Server{
		root:    opts.Root,
		address: opts.Address,
		open:    opts.Open,
		broker:  NewBroker(),
	}
	if s.address == "" {
		s.address = DefaultAddress
	}

	r := mux.NewRouter()
	r.Use(metricsMiddleware)
	r.Path(reloadPath).Methods(http.MethodGet).HandlerFunc(s.handleReloadStream).Name("livereload")
	r.Path(scriptPath).Methods(http.MethodGet).HandlerFunc(s.handleScript).Name("livereload.js")
	r.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.Handler()).Name("metrics")
	r.PathPrefix("/").Methods(http.MethodGet, http.MethodHead).HandlerFunc(s.handleStatic).Name("static")
	s.router = r

	return s
}

// Address returns the address the server listens on.
func (s *Server) Address() string {
	return s.address
}

// Handler returns the full middleware stack wrapping the router.
func (s *Server) Handler(ctx context.Context) http.Handler {
	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})

	return sm.Handler(makeLogMiddleware(buildlog.Log(ctx))(s.router))
}

// Notify sends the changed paths to all connected browsers.
func (s *Server) Notify(paths []string) {
	msg := ReloadMessage{Paths: make([]string, 0, len(paths))}
	for _, p := range paths {
		if rel, err := filepath.Rel(s.root, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
		msg.Paths = append(msg.Paths, filepath.ToSlash(p))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		// can't happen for a slice of strings
		panic(err)
	}

	reloadsTotal.Inc()
	s.broker.Publish(string(data))
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", s.address)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	logger := buildlog.Log(ctx)

	srv := http.Server{
		Handler:      s.Handler(ctx),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	url := fmt.Sprintf("http://%s/", listener.Addr().String())
	logger.Info().Str("root", s.root).Msgf("Serving files at %s", url)
	if s.open {
		logger.Info().Msgf("Open %s in your browser", url)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		s.broker.Close()
		return eris.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	// streams never end on their own
	s.broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		return eris.Wrap(err, "failed to shut down server")
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server failed")
	}
	return nil
}

func (s *Server) handleReloadStream(w http.ResponseWriter, r *http.Request) {
	logger := buildlog.Log(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn().Err(err).Msg("Failed to clear write deadline")
	}

	ch, unsub := s.broker.Subscribe()
	defer unsub()

	connectedBrowsers.Inc()
	defer connectedBrowsers.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(clientScript))
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	fsPath := filepath.Join(s.root, filepath.FromSlash(name))

	info, err := os.Stat(fsPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return
		}

		fsPath = filepath.Join(fsPath, "index.html")
		info, err = os.Stat(fsPath)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
	}

	if !strings.EqualFold(filepath.Ext(fsPath), ".html") {
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, fsPath)
		return
	}

	content, err := os.ReadFile(fsPath)
	if err != nil {
		buildlog.Log(r.Context()).Error().Err(err).Str("path", fsPath).Msg("Failed to read file")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(InjectScript(content)))
}

// InjectScript adds the live-reload script tag to an HTML document. The tag goes before the last
// closing body tag or at the end of the document if there is none.
func InjectScript(doc []byte) []byte {
	if bytes.Contains(doc, scriptTag) {
		return doc
	}

	idx := bytes.LastIndex(bytes.ToLower(doc), []byte("</body>"))
	if idx < 0 {
		result := make([]byte, 0, len(doc)+len(scriptTag))
		result = append(result, doc...)
		return append(result, scriptTag...)
	}

	result := make([]byte, 0, len(doc)+len(scriptTag))
	result = append(result, doc[:idx]...)
	result = append(result, scriptTag...)
	return append(result, doc[idx:]...)
}
