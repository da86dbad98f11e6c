package server

import (
	"html/template"
	"io"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: system-ui, sans-serif; margin: 0; }
    #uic-root > div { margin: 12px; }
    .slot-fallback { color: #666; font-style: italic; }
    .slot-error { color: #a00; background: #fee; padding: 8px; border-radius: 4px; cursor: pointer; }
  </style>
</head>
<body>
  <main id="uic-root" data-session="{{.Session}}">
{{.Body}}  </main>
  <script>{{.Script}}</script>
</body>
</html>
`))

var standaloneTemplate = template.Must(template.New("standalone").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// clientScript applies tree patches pushed over the page websocket and
// sends a retry when an error placeholder is clicked.
const clientScript = template.JS(`(function () {
  const root = document.getElementById("uic-root");
  const session = root.dataset.session;
  const scheme = location.protocol === "https:" ? "wss:" : "ws:";
  let ws;

  function node(anchor) { return document.getElementById("uic-" + anchor); }

  function apply(p) {
    let el = node(p.anchor);
    switch (p.op) {
    case "create":
      if (!el) {
        el = document.createElement("div");
        el.id = "uic-" + p.anchor;
        el.dataset.anchor = p.anchor;
        root.appendChild(el);
      }
      break;
    case "attach": if (el) el.innerHTML = p.html || ""; break;
    case "detach": if (el) el.innerHTML = ""; break;
    case "remove": if (el) el.remove(); break;
    }
  }

  function handle(msg) {
    const data = msg.data || {};
    switch (msg.type) {
    case "reset":
      root.innerHTML = data.html;
      if (data.title) document.title = data.title;
      break;
    case "patches": (data.patches || []).forEach(apply); break;
    case "error": console.warn("ui-compose:", data.code, data.description); break;
    }
  }

  function send(type, data) {
    if (ws && ws.readyState === WebSocket.OPEN) ws.send(JSON.stringify({type: type, data: data}));
  }

  function connect() {
    ws = new WebSocket(scheme + "//" + location.host + "/ws/" + session);
    ws.onmessage = function (ev) {
      const parsed = JSON.parse(ev.data);
      (Array.isArray(parsed) ? parsed : [parsed]).forEach(handle);
    };
    ws.onclose = function () { setTimeout(connect, 1000); };
  }

  root.addEventListener("click", function (ev) {
    const failed = ev.target.closest(".slot-error");
    const anchor = failed && failed.closest("[data-anchor]");
    if (anchor && anchor.dataset.anchor.indexOf("slot-") === 0) {
      send("retry", {slot: anchor.dataset.anchor.slice(5)});
    }
  });

  connect();
})();
`)

type pageData struct {
	Title   string
	Session string
	Body    template.HTML
	Script  template.JS
}

func writePage(w io.Writer, title, sessionID string, body template.HTML) error {
	return pageTemplate.Execute(w, pageData{Title: title, Session: sessionID, Body: body, Script: clientScript})
}

func writeStandalone(w io.Writer, title string, body template.HTML) error {
	return standaloneTemplate.Execute(w, pageData{Title: title, Body: body})
}
