package api

import (
	"context"
	"io"
	"strings"

	"github.com/a-h/templ"
)

const dashboardHead = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sensor Monitor</title>
<style>
body{font-family:system-ui,sans-serif;margin:2rem;color:#222}
table{border-collapse:collapse;width:100%;margin-bottom:2rem}
th,td{border-bottom:1px solid #ddd;padding:.3rem .6rem;text-align:left}
.stats span{display:inline-block;margin-right:2rem}
.muted{color:#888}
</style>
</head>
<body>
<h1>Sensor Monitor</h1>
`

const dashboardBody = `<section class="stats" id="stats">loading stats...</section>
<h2>Send command</h2>
<form id="control">
<input name="node_id" placeholder="node id" required>
<input name="command" placeholder="command" required>
<button type="submit">Send</button>
<span id="control-result" class="muted"></span>
</form>
<h2>Readings</h2>
<table><thead><tr><th>Received</th><th>Node</th><th>Temp</th><th>Humidity</th><th>Pressure</th><th>Altitude</th><th>Air quality</th></tr></thead><tbody id="readings"></tbody></table>
<h2>Events</h2>
<table><thead><tr><th>Received</th><th>Node</th><th>Event</th></tr></thead><tbody id="events"></tbody></table>
<script>
const esc = v => String(v).replace(/[&<>"']/g, c => '&#' + c.charCodeAt(0) + ';');
const cell = v => v === null || v === undefined ? '<td class="muted">-</td>' : '<td>' + esc(v) + '</td>';
async function refresh() {
  const stats = await (await fetch('/api/stats')).json();
  document.getElementById('stats').innerHTML = stats.error
    ? '<span class="muted">' + esc(stats.error) + '</span>'
    : '<span>Nodes: ' + esc(stats.node_count) + '</span><span>Readings: ' + esc(stats.reading_count) + '</span>' +
      '<span>Avg temp: ' + esc(stats.avg_temperature ?? '-') + '</span><span>Avg humidity: ' + esc(stats.avg_humidity ?? '-') + '</span>';
  const readings = await (await fetch('/api/data?hours=1')).json();
  document.getElementById('readings').innerHTML = readings.slice(0, 50).map(r =>
    '<tr>' + cell(r.received_at) + cell(r.node_id) + cell(r.temperature) + cell(r.humidity) + cell(r.pressure) + cell(r.altitude) + cell(r.air_quality) + '</tr>').join('');
  const events = await (await fetch('/api/events?hours=1')).json();
  document.getElementById('events').innerHTML = events.slice(0, 50).map(e =>
    '<tr>' + cell(e.received_at) + cell(e.node_id) + cell(e.event_type) + '</tr>').join('');
}
document.getElementById('control').addEventListener('submit', async ev => {
  ev.preventDefault();
  const form = new FormData(ev.target);
  const res = await fetch('/api/control', {method: 'POST', headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({node_id: form.get('node_id'), command: form.get('command')})});
  const body = await res.json();
  document.getElementById('control-result').textContent = body.message || body.error;
});
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`

// dashboard renders the index page. Data is loaded client-side from the JSON API.
func dashboard(topics []string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(dashboardHead)
		if len(topics) > 0 {
			b.WriteString(`<p class="muted">Topics: `)
			for i, t := range topics {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(templ.EscapeString(t))
			}
			b.WriteString("</p>\n")
		}
		b.WriteString(dashboardBody)
		_, err := io.WriteString(w, b.String())
		return err
	})
}
