package notify

const htmlHead = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>
`

const defaultErrorTemplate = htmlHead + `
	<body>
		<p>Reconstruction {{.State}} on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Scan: <span class="bold">{{.ScanID}}</span></li>
			<li>Job: <span class="bold">{{.JobID}}</span></li>
			{{- if .BatchID}}
			<li>Batch: <span class="bold">{{.BatchID}}</span></li>
			{{- end}}
			<li>Exit code: <span class="bold">{{.ExitCode}}</span></li>
			<li>Last iteration: <span class="bold">{{.Iteration}}</span></li>
			<li>Duration: <span class="bold">{{.Duration}}</span></li>
		</ul>
		{{- if .Output}}
		<pre>
{{.Output}}
		</pre>
		{{- end}}
	</body>
</html>
`

const defaultCompletionTemplate = htmlHead + `
	<body>
		<p>Batch {{.State}} on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Batch: <span class="bold">{{.BatchID}}</span></li>
			<li>Processed scans: <span class="bold">{{.Processed}}</span></li>
			{{- if .Failed}}
			<li>Failed scans: <span class="bold">{{range $i, $s := .Failed}}{{if $i}}, {{end}}{{$s}}{{end}}</span></li>
			{{- end}}
			<li>Duration: <span class="bold">{{.Duration}}</span></li>
		</ul>
	</body>
</html>
`
