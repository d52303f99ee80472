package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

const verifySubject = "Verify your account"

var verifyHTML = template.Must(template.New("verify").Parse(`<!doctype html>
<html>
  <body style="font-family:Arial,Helvetica,sans-serif; line-height:1.4;">
    <h2>Verify your account</h2>
    <p>Thanks for signing up. Click the button below to verify your email address.</p>
    <p>
      <a href="{{.Link}}" style="display:inline-block; padding:10px 14px; text-decoration:none; border-radius:6px; background:#111; color:#fff;">Click to verify</a>
    </p>
    <p style="color:#555; font-size:12px;">
      If the button doesn't work, open this link:<br/>
      <a href="{{.Link}}">{{.Link}}</a>
    </p>
  </body>
</html>`))

type renderedEmail struct {
	Subject string
	HTML    string
	Text    string
}

func renderVerifyEmail(link string) (renderedEmail, error) {
	var buf bytes.Buffer
	if err := verifyHTML.Execute(&buf, struct{ Link string }{Link: link}); err != nil {
		return renderedEmail{}, err
	}
	return renderedEmail{
		Subject: verifySubject,
		HTML:    buf.String(),
		Text:    fmt.Sprintf("Verify your account by opening this link:\n\n%s\n", link),
	}, nil
}
