package web

// dashboardHTML is the embedded single-page dashboard served at /. It keeps a
// task table current from the websocket stream and sends requests back over
// the same socket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>warden</title>
<style>
:root {
  --bg: #0f1117;
  --surface: #1a1d27;
  --border: #2a2d3a;
  --text: #e2e8f0;
  --muted: #718096;
  --green: #48bb78;
  --red: #fc8181;
  --yellow: #f6e05e;
  --cyan: #63b3ed;
  --font: "SF Mono", "Cascadia Code", "Fira Code", "Consolas", monospace;
}
@media (prefers-color-scheme: light) {
  :root {
    --bg: #f7fafc; --surface: #ffffff; --border: #e2e8f0; --text: #1a202c;
    --green: #276749; --red: #c53030; --yellow: #975a16; --cyan: #2b6cb0;
  }
}
* { box-sizing: border-box; margin: 0; padding: 0; }
body { background: var(--bg); color: var(--text); font-family: var(--font); font-size: 13px; padding: 16px; }
header { display: flex; align-items: center; gap: 12px; margin-bottom: 12px; }
header h1 { font-size: 16px; letter-spacing: 0.05em; }
#dot { width: 8px; height: 8px; border-radius: 50%; background: var(--muted); }
#dot.live { background: var(--green); }
#summary { color: var(--muted); font-size: 12px; }
form { display: flex; gap: 8px; margin-bottom: 12px; }
input { flex: 1; background: var(--surface); color: var(--text); border: 1px solid var(--border); border-radius: 4px; padding: 6px; font-family: var(--font); }
button { background: var(--surface); color: var(--text); border: 1px solid var(--border); border-radius: 4px; padding: 3px 10px; font-family: var(--font); cursor: pointer; }
button:hover { border-color: var(--muted); }
table { width: 100%; border-collapse: collapse; background: var(--surface); border: 1px solid var(--border); }
th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--border); }
th { color: var(--muted); font-weight: normal; }
.bar { width: 120px; height: 6px; background: var(--border); border-radius: 3px; overflow: hidden; }
.bar div { height: 100%; background: var(--cyan); }
.s-running, .s-cancel_requested { color: var(--cyan); }
.s-completed { color: var(--green); }
.s-failed, .s-killed { color: var(--red); }
.s-cancelled, .s-pending { color: var(--muted); }
.stuck { color: var(--yellow); }
#log { margin-top: 12px; height: 220px; overflow: auto; background: var(--surface); border: 1px solid var(--border); padding: 8px; white-space: pre; font-size: 11px; color: var(--muted); }
</style>
</head>
<body>
<header><span id="dot"></span><h1>warden</h1><span id="summary"></span></header>
<form id="submit"><input id="payload" placeholder="payload, e.g. Texture analysis #stall" autocomplete="off"><button type="submit">submit</button></form>
<table>
<thead><tr><th>id</th><th>payload</th><th>status</th><th>progress</th><th>message</th><th></th></tr></thead>
<tbody id="tasks"></tbody>
</table>
<div id="log"></div>
<script>
const rows = new Map();
const tbody = document.getElementById('tasks');
const logView = document.getElementById('log');
let ws;

function esc(s) {
  return String(s == null ? '' : s).replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));
}

function render() {
  const ids = Array.from(rows.keys()).sort((a, b) => a - b);
  const counts = {};
  tbody.innerHTML = ids.map(id => {
    const t = rows.get(id);
    counts[t.status] = (counts[t.status] || 0) + 1;
    const active = t.status === 'running' || t.status === 'cancel_requested';
    return '<tr><td>' + id + '</td><td>' + esc(t.payload) + '</td>' +
      '<td class="s-' + t.status + '">' + t.status + (t.stuck ? ' <span class="stuck">stuck</span>' : '') + '</td>' +
      '<td><div class="bar"><div style="width:' + t.progress + '%"></div></div></td>' +
      '<td>' + esc(t.message) + '</td><td>' +
      (active ? '<button data-op="cancel" data-id="' + id + '">cancel</button> <button data-op="kill" data-id="' + id + '">kill</button> ' : '') +
      '<button data-op="restart" data-id="' + id + '">restart</button></td></tr>';
  }).join('');
  document.getElementById('summary').textContent =
    Object.keys(counts).map(k => k + ' ' + counts[k]).join('  ');
}

function load() {
  fetch('/api/tasks').then(r => r.json()).then(data => {
    rows.clear();
    data.tasks.forEach(t => rows.set(t.id, t));
    render();
  }).catch(e => console.error('fetch error:', e));
}

function apply(ev) {
  if (ev.type === 'log') {
    logView.textContent += ev.line + '\n';
    logView.scrollTop = logView.scrollHeight;
    return;
  }
  if (ev.type === 'rejected' || ev.id === -1) {
    logView.textContent += (ev.error || ev.message) + '\n';
    return;
  }
  let t = rows.get(ev.id);
  if (!t || ev.type === 'started') {
    // New tasks and restarts carry fields the event does not; reload.
    load();
    return;
  }
  switch (ev.type) {
  case 'progress': t.progress = ev.progress; t.message = ev.message; t.stuck = false; break;
  case 'completed': t.status = 'completed'; t.progress = 100; t.message = ev.message; t.stuck = false; break;
  case 'cancelled': t.status = 'cancelled'; t.message = ev.message; t.stuck = false; break;
  case 'killed': t.status = 'killed'; t.message = ev.message; t.stuck = false; break;
  case 'error': t.status = 'failed'; t.message = ev.message; t.stuck = false; break;
  case 'warning': t.stuck = true; break;
  }
  render();
}

function connect() {
  ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
  ws.onopen = () => { document.getElementById('dot').className = 'live'; load(); };
  ws.onclose = () => { document.getElementById('dot').className = ''; setTimeout(connect, 2000); };
  ws.onmessage = m => apply(JSON.parse(m.data));
}

function send(req) {
  if (ws && ws.readyState === WebSocket.OPEN) ws.send(JSON.stringify(req));
}

document.getElementById('submit').addEventListener('submit', e => {
  e.preventDefault();
  const input = document.getElementById('payload');
  if (input.value.trim() === '') return;
  send({type: 'submit', payload: input.value.trim()});
  input.value = '';
});

tbody.addEventListener('click', e => {
  const b = e.target.closest('button');
  if (b) send({type: b.dataset.op, id: Number(b.dataset.id)});
});

connect();
</script>
</body>
</html>
`
