package shell

import (
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mfshell/shell/internal/metrics"
)

// Frames are the URLs of the embedded contexts shown for each route.
type Frames struct {
	LoginURL     string
	DashboardURL string
}

var framePage = template.Must(template.New("frame").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="margin:0">
<iframe src="{{.Src}}" title="{{.Title}}" style="border:0;width:100%;height:100vh"></iframe>
<script>
(function () {
  var here = {{.Path}};
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var sock = new WebSocket(proto + location.host + "/ws");
  sock.onmessage = function (ev) {
    var msg;
    try { msg = JSON.parse(ev.data); } catch (e) { return; }
    if (msg && msg.type === "NAVIGATE" && msg.route !== here) {
      location.assign(msg.route);
    }
  };
})();
</script>
</body>
</html>
`))

type frameData struct {
	Title string
	Src   string
	Path  string
}

// NewHandler builds the shell's HTTP surface. bridge serves /ws and may be
// nil when no browser bridge is configured.
func NewHandler(coord *Coordinator, frames Frames, bridge http.Handler) http.Handler {
	started := time.Now()
	r := mux.NewRouter()

	r.HandleFunc(PathAnonymous, func(w http.ResponseWriter, req *http.Request) {
		serveRoute(w, req, coord, frames, PathAnonymous)
	}).Methods(http.MethodGet)
	r.HandleFunc(PathAuthenticated, func(w http.ResponseWriter, req *http.Request) {
		serveRoute(w, req, coord, frames, PathAuthenticated)
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/session", func(w http.ResponseWriter, req *http.Request) {
		s := coord.Current()
		resp := struct {
			Authenticated bool   `json:"authenticated"`
			Email         string `json:"email,omitempty"`
		}{
			Authenticated: s.Active(),
		}
		if s.Active() {
			resp.Email = s.User.Email
		}
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
			Route  string `json:"route"`
			Uptime string `json:"uptime"`
		}{
			Status: "ok",
			Route:  coord.router.Current().Path(),
			Uptime: time.Since(started).Round(time.Second).String(),
		})
	}).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if bridge != nil {
		r.Handle("/ws", bridge)
	}

	// Any other path or method lands on the anonymous route.
	toAnonymous := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, PathAnonymous, http.StatusFound)
	})
	r.NotFoundHandler = toAnonymous
	r.MethodNotAllowedHandler = toAnonymous
	return r
}

// serveRoute resolves path against the current session and either redirects
// to the canonical path of the resolved route or renders its frame.
func serveRoute(w http.ResponseWriter, req *http.Request, coord *Coordinator, frames Frames, path string) {
	route := Resolve(path, coord.Current().Active())
	if route.Path() != path {
		http.Redirect(w, req, route.Path(), http.StatusFound)
		return
	}

	data := frameData{Title: "Login", Src: frames.LoginURL, Path: path}
	if route == Authenticated {
		data = frameData{Title: "Dashboard", Src: frames.DashboardURL, Path: path}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := framePage.Execute(w, data); err != nil {
		log.Printf("[shell] render %s: %v", path, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
