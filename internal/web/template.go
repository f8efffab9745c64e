package web

import (
	"html/template"
	"io"

	"github.com/NOELV70/EVSE-SyncCharge/internal/status"
)

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="2">
<title>EVSE {{.Config.DeviceID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; background: #111; color: #eee; }
h1 { font-size: 1.3em; }
table { border-collapse: collapse; }
td { padding: 0.2em 0.8em; }
td:first-child { color: #999; }
.ok { color: #6c6; }
.warn { color: #fa3; }
.bad { color: #f55; }
form { display: inline; }
button { margin: 0.5em 0.3em 0 0; padding: 0.4em 1.2em; }
</style>
</head>
<body>
<h1>EVSE {{.Config.DeviceID}}</h1>
<table>
<tr><td>Charge state</td><td>{{if .Controller.ChargeState}}<span class="ok">CHARGING</span>{{else}}READY{{end}}</td></tr>
<tr><td>Vehicle</td><td>{{.Controller.VehicleState}}</td></tr>
<tr><td>Current limit</td><td>{{printf "%.1f" .Controller.CurrentLimit}} A</td></tr>
<tr><td>Pilot duty</td><td>{{printf "%.1f" .Controller.PilotDuty}} %</td></tr>
<tr><td>Measured</td><td>{{printf "%.1f / %.1f / %.1f" .Controller.ActualCurrent.L1 .Controller.ActualCurrent.L2 .Controller.ActualCurrent.L3}} A</td></tr>
{{if .Controller.ErrorLockout}}<tr><td>Lockout</td><td><span class="bad">ACTIVE — unplug vehicle to clear</span></td></tr>{{end}}
{{if .Controller.RCMTripped}}<tr><td>RCM</td><td><span class="bad">FAULT</span></td></tr>{{end}}
{{if .Controller.PausedAtLowLimit}}<tr><td>Low limit</td><td><span class="warn">paused</span></td></tr>{{end}}
{{if .Controller.UserPaused}}<tr><td>Paused</td><td><span class="warn">by user</span></td></tr>{{end}}
{{if .Controller.TestMode}}<tr><td>Test mode</td><td><span class="warn">active</span></td></tr>{{end}}
{{if .BootLoop}}<tr><td>Boot</td><td><span class="bad">boot loop detected</span></td></tr>{{end}}
<tr><td>MQTT</td><td>{{if .MQTTConnected}}<span class="ok">connected</span>{{else}}offline{{end}}</td></tr>
{{if .Config.OCPPEnabled}}<tr><td>OCPP</td><td>{{if .OCPPConnected}}<span class="ok">connected</span>{{else}}offline{{end}}</td></tr>{{end}}
<tr><td>Uptime</td><td>{{.Uptime}}</td></tr>
</table>
<p>
<form method="post" action="/cmd"><input type="hidden" name="do" value="start"><button>Start</button></form>
<form method="post" action="/cmd"><input type="hidden" name="do" value="pause"><button>Pause</button></form>
<form method="post" action="/cmd"><input type="hidden" name="do" value="stop"><button>Stop</button></form>
</p>
</body>
</html>
`))

func renderHTML(w io.Writer, snap status.Snapshot) error {
	return indexTmpl.Execute(w, snap)
}
