package dispatcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"sync"

	gomail "github.com/go-mail/mail/v2"

	"github.com/softwell/mailproxy-core/internal/attachment"
	"github.com/softwell/mailproxy-core/internal/domain"
)

// buildMIME assembles a *gomail.Message from msg's payload, fetching all
// attachments in parallel with a per-attachment timeout. A single
// attachment fetch failure is returned as-is — the caller treats any
// error from this function as a permanent per-message error, per spec
// §4.5 step 3 ("the attachment sources are treated as the tenant's
// responsibility").
func buildMIME(ctx context.Context, resolver *attachment.Resolver, msg *domain.Message) (*gomail.Message, error) {
	p := &msg.Payload

	m := gomail.NewMessage()
	m.SetHeader("From", p.From)
	m.SetHeader("To", p.To...)
	if len(p.Cc) > 0 {
		m.SetHeader("Cc", p.Cc...)
	}
	if len(p.Bcc) > 0 {
		m.SetHeader("Bcc", p.Bcc...)
	}
	if p.ReturnPath != "" {
		m.SetHeader("Return-Path", p.ReturnPath)
		// go-mail derives the SMTP envelope sender (MAIL FROM) from the
		// Sender header, falling back to From — it never looks at
		// Return-Path. Setting Sender here is what actually makes the
		// envelope sender follow return_path, per the bounce-routing
		// requirement.
		m.SetHeader("Sender", p.ReturnPath)
	}
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", msg.ID, msg.TenantID))
	m.SetHeader("Subject", p.Subject)
	for k, v := range p.Headers {
		m.SetHeader(k, v)
	}

	subtype := "plain"
	if p.ContentType == domain.ContentHTML {
		subtype = "html"
	}
	m.SetBody("text/"+subtype, p.Body)

	if len(p.Attachments) > 0 {
		bodies, err := fetchAttachments(ctx, resolver, p.Attachments)
		if err != nil {
			return nil, err
		}
		for i, att := range p.Attachments {
			data := bodies[i]
			mimeType := att.MimeType
			if mimeType == "" {
				mimeType = mime.TypeByExtension(filepath.Ext(att.Filename))
			}
			settings := []gomail.FileSetting{
				gomail.SetCopyFunc(func(w io.Writer) error {
					_, err := w.Write(data)
					return err
				}),
			}
			if mimeType != "" {
				settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {mimeType}}))
			}
			m.Attach(att.Filename, settings...)
		}
	}

	return m, nil
}

// fetchAttachments resolves every attachment concurrently, returning bytes
// in the same order as atts, or the first error encountered.
func fetchAttachments(ctx context.Context, resolver *attachment.Resolver, atts []domain.Attachment) ([][]byte, error) {
	results := make([][]byte, len(atts))
	errs := make([]error, len(atts))

	var wg sync.WaitGroup
	for i, att := range atts {
		wg.Add(1)
		go func(i int, att domain.Attachment) {
			defer wg.Done()
			data, err := resolver.Resolve(ctx, att)
			results[i] = data
			errs[i] = err
		}(i, att)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", atts[i].Filename, err)
		}
	}
	return results, nil
}
