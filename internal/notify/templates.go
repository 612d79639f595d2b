package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode"

	"github.com/google/uuid"

	"github.com/ivy-net/ivynet-backend/pkg/config"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// Template lookup order: a template registered for the alert's kind, then
// the generic template, then a plain built-in line. Operators override the
// generic pair with ALERT_SUBJECT_TEMPLATE / ALERT_BODY_TEMPLATE and the
// per-kind detail with ALERT_DETAIL_TEMPLATE_<KIND>, e.g.
// ALERT_DETAIL_TEMPLATE_NO_METRICS.

const genericSubject = `[ivynet] {{ .Kind }} on {{ .Where }}`

const genericBody = `Alert: {{ .Kind }}
Raised: {{ .CreatedAt }}
{{ if .NodeName }}Node: {{ .NodeName }}
{{ end }}{{ if .MachineID }}Machine: {{ .MachineID }}
{{ end }}{{ if .Detail }}Detail: {{ .Detail }}
{{ end }}`

var kindDetails = map[models.AlertKind]string{
	models.KindHardwareResourceUsage:     `{{ .Alert.Resource }} at {{ printf "%.1f" .Alert.Percent }}%`,
	models.KindLowPerformanceScore:       `performance score {{ printf "%.1f" .Alert.Performance }}`,
	models.KindNeedsUpdate:               `running {{ .Alert.CurrentVersion }}, recommended {{ .Alert.RecommendedVersion }}`,
	models.KindNeedsImmediateUpdate:      `running {{ .Alert.CurrentVersion }}, recommended {{ .Alert.RecommendedVersion }} (breaking change deadline passed)`,
	models.KindNewEigenAvs:               `new AVS {{ .Alert.Name }} at {{ .Alert.AvsAddress }}`,
	models.KindUpdatedEigenAvs:           `AVS {{ .Alert.Name }} at {{ .Alert.AvsAddress }} changed its metadata`,
	models.KindActiveSetNoDeployment:     `operator {{ .Alert.Operator }} is registered but no matching node is deployed`,
	models.KindUnregisteredFromActiveSet: `operator {{ .Alert.Operator }} left the active set`,
}

type templateData struct {
	Kind      string
	Where     string
	NodeName  string
	MachineID string
	CreatedAt string
	Detail    string
	Alert     models.Alert
}

// Renderer turns alerts into channel-agnostic notification text.
type Renderer struct {
	subject *template.Template
	body    *template.Template
	details map[models.AlertKind]*template.Template
}

func NewRenderer() (*Renderer, error) {
	subject, err := template.New("subject").Parse(config.GetEnv("ALERT_SUBJECT_TEMPLATE", genericSubject))
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	body, err := template.New("body").Parse(config.GetEnv("ALERT_BODY_TEMPLATE", genericBody))
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}

	details := make(map[models.AlertKind]*template.Template, len(kindDetails))
	for kind := models.AlertKind(1); kind <= models.KindCount; kind++ {
		src := config.GetEnv(detailEnvKey(kind), kindDetails[kind])
		if src == "" {
			continue
		}
		t, err := template.New(kind.String()).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse %s detail template: %w", kind, err)
		}
		details[kind] = t
	}

	return &Renderer{subject: subject, body: body, details: details}, nil
}

// detailEnvKey derives the override variable from the kind name,
// NoMetrics -> ALERT_DETAIL_TEMPLATE_NO_METRICS.
func detailEnvKey(kind models.AlertKind) string {
	var b strings.Builder
	b.WriteString("ALERT_DETAIL_TEMPLATE")
	for _, r := range kind.String() {
		if unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Render produces the notification text for an alert. Rendering never fails
// at delivery time; template errors degrade to the built-in plain line.
func (r *Renderer) Render(alert models.ActiveAlert) Rendered {
	data := templateData{
		Kind:      alert.Alert.Kind.String(),
		Where:     alert.NodeName,
		NodeName:  alert.NodeName,
		CreatedAt: alert.CreatedAt.Format("2006-01-02 15:04:05 UTC"),
		Alert:     alert.Alert,
	}
	if alert.MachineID != uuid.Nil {
		data.MachineID = alert.MachineID.String()
	}
	if data.Where == "" {
		data.Where = data.MachineID
	}
	if data.Where == "" {
		data.Where = fmt.Sprintf("organization %d", alert.OrganizationID)
	}

	if detail, ok := r.details[alert.Alert.Kind]; ok {
		var buf bytes.Buffer
		if err := detail.Execute(&buf, data); err == nil {
			data.Detail = buf.String()
		}
	}

	var subject, body bytes.Buffer
	if err := r.subject.Execute(&subject, data); err != nil {
		subject.Reset()
		fmt.Fprintf(&subject, "[ivynet] %s", data.Kind)
	}
	if err := r.body.Execute(&body, data); err != nil {
		body.Reset()
		fmt.Fprintf(&body, "Alert %s on %s raised at %s", data.Kind, data.Where, data.CreatedAt)
	}

	return Rendered{Subject: subject.String(), Body: body.String()}
}
