package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// Kind classifies a notification.
type Kind string

const (
	KindCompleted Kind = "import_completed"
	KindFailed    Kind = "import_failed"
	KindMilestone Kind = "import_progress"
)

// Message is the outbound payload handed to every channel.
type Message struct {
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	JobID   string `json:"jobId"`
	Kind    Kind   `json:"kind"`
}

type messageTemplate struct {
	title *template.Template
	body  *template.Template
}

func mustTemplate(name, title, body string) messageTemplate {
	return messageTemplate{
		title: template.Must(template.New(name + ".title").Parse(title)),
		body:  template.Must(template.New(name + ".body").Parse(body)),
	}
}

var templates = map[Kind]messageTemplate{
	KindCompleted: mustTemplate("completed",
		`Import completed: {{.FileName}}`,
		`{{.Successful}} of {{.Processed}} records imported{{if .Failed}}, {{.Failed}} failed{{end}}.`+
			`{{range .Entities}} {{.Label}}: {{.Created}} created, {{.Updated}} updated.{{end}}`+
			`{{if .Schedules}} {{.Schedules}} timetable slots added.{{end}}`,
	),
	KindFailed: mustTemplate("failed",
		`Import failed: {{.FileName}}`,
		`The import stopped{{if .Stage}} during {{.Stage}}{{end}} after {{.Processed}} of {{.Total}} records.`+
			`{{if .Error}} {{.Error}}{{end}}`,
	),
	KindMilestone: mustTemplate("milestone",
		`Import {{.Percent}}% complete: {{.FileName}}`,
		`{{.Processed}} of {{.Total}} records processed.`,
	),
}

// templateData is what message templates see.
type templateData struct {
	FileName   string
	Percent    int
	Total      int
	Processed  int
	Successful int
	Failed     int
	Schedules  int
	Stage      core.ImportStage
	Error      string
	Entities   []entityLine
}

type entityLine struct {
	Label   string
	Created int
	Updated int
}

func newTemplateData(job *core.ImportJob, report *core.ImportReport) templateData {
	d := templateData{
		FileName:   job.FileName,
		Percent:    job.Progress.Percent(),
		Total:      job.Progress.TotalRows,
		Processed:  job.Progress.ProcessedRows,
		Successful: job.Progress.SuccessfulRows,
		Failed:     job.Progress.FailedRows,
	}
	if d.FileName == "" {
		d.FileName = job.ID
	}
	if report == nil {
		return d
	}

	d.Total = report.TotalRows
	d.Processed = report.Processed
	d.Successful = report.Successful
	d.Failed = report.Failed
	d.Schedules = report.SchedulesCreated
	d.Stage = report.FailedStage
	d.Error = report.Error
	for _, t := range core.MatchableEntities {
		c, ok := report.Entities[t]
		if !ok {
			continue
		}
		label := string(t)
		if def, ok := core.Get(t); ok {
			label = def.Label
		}
		d.Entities = append(d.Entities, entityLine{Label: label, Created: c.Created, Updated: c.Updated})
	}
	return d
}

func render(kind Kind, job *core.ImportJob, report *core.ImportReport) (Message, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("no template for %s", kind)
	}
	data := newTemplateData(job, report)

	var title, body bytes.Buffer
	if err := tmpl.title.Execute(&title, data); err != nil {
		return Message{}, fmt.Errorf("render %s title: %w", kind, err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", kind, err)
	}
	return Message{
		UserID:  job.UserID,
		Title:   title.String(),
		Message: body.String(),
		JobID:   job.ID,
		Kind:    kind,
	}, nil
}
