package notification

import (
	"bytes"
	"fmt"
	"html/template"
)

const defaultSubject = "You have a new notification"

// EmailData fills the notification email.
type EmailData struct {
	Name    string
	Message string
	Link    string
	LogoURL string
}

const AssetsBaseURL = "https://sapliy.com"

var emailTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
    <style>
        body { background-color: #f6f9fc; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Arial, sans-serif; font-size: 16px; line-height: 1.5; margin: 0; padding: 0; }
        .container { margin: 0 auto; max-width: 580px; padding: 10px; }
        .main { background: #ffffff; border-radius: 8px; border: 1px solid #e1e9ee; padding: 20px; }
        .header { padding: 24px 0; text-align: center; }
        .footer { color: #8898aa; font-size: 12px; margin-top: 10px; text-align: center; }
        p { margin: 0 0 16px 0; color: #525f7f; }
        .btn { background-color: #5e6ad2; border-radius: 4px; color: #ffffff; display: inline-block; font-weight: bold; padding: 12px 25px; text-decoration: none; }
        .logo { width: 120px; height: auto; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><img src="{{.LogoURL}}" alt="Sapliy" class="logo" /></div>
        <div class="main">
            <p>Hi {{if .Name}}{{.Name}}{{else}}there{{end}},</p>
            <p>{{.Message}}</p>
            {{if .Link}}<p><a class="btn" href="{{.Link}}" target="_blank">View notification</a></p>{{end}}
        </div>
        <div class="footer">You received this email because you were offline when this notification was sent.</div>
    </div>
</body>
</html>`))

// RenderEmail builds the subject and HTML body for an offline recipient.
func RenderEmail(req PublishRequest) (subject, html string, err error) {
	subject = req.Subject
	if subject == "" {
		subject = defaultSubject
	}
	var buf bytes.Buffer
	err = emailTemplate.Execute(&buf, EmailData{
		Name:    req.Name,
		Message: req.Message,
		Link:    req.Link,
		LogoURL: AssetsBaseURL + "/logo.png",
	})
	if err != nil {
		return "", "", fmt.Errorf("render notification email: %w", err)
	}
	return subject, buf.String(), nil
}
