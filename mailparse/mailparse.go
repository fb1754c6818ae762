package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	// Registers charset decoders so GBK/GB2312 bodies from the PLM
	// system parse cleanly.
	_ "github.com/emersion/go-message/charset"
	"golang.org/x/net/html"

	"github.com/plmops/eco-todo-sync/duetime"
	"github.com/plmops/eco-todo-sync/model"
)

var ErrEmptyMessage = errors.New("message is empty")

// Message is the parsed view of one raw mail: the three headers the
// pipeline cares about plus a single body text. Body holds the first
// text/plain part; when none exists, the first text/html part stripped
// of markup. Remaining parts are ignored.
type Message struct {
	Subject   string
	SentAt    time.Time
	MessageID string
	Body      string
}

// Parse decodes a raw RFC 5322 message. Header values go through MIME
// encoded-word decoding; an unparsable Date header leaves SentAt zero.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	msg := &Message{
		MessageID: strings.TrimSpace(entity.Header.Get("Message-Id")),
	}

	if subject, err := entity.Header.Text("Subject"); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = entity.Header.Get("Subject")
	}

	if date := entity.Header.Get("Date"); date != "" {
		if sentAt, err := mail.ParseDate(date); err == nil {
			msg.SentAt = sentAt
		}
	}

	msg.Body = bodyText(entity)

	return msg, nil
}

// bodyText walks the message parts depth-first and picks the first
// text/plain part, falling back to the first text/html part with markup
// stripped. Multipart containers are skipped.
func bodyText(entity *message.Entity) string {
	var firstPlain, firstHTML string
	var havePlain, haveHTML bool

	_ = entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil || havePlain {
			return nil
		}

		mediaType, _, typeErr := part.Header.ContentType()
		if typeErr != nil || strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}

		switch {
		case mediaType == "text/plain" || mediaType == "":
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return nil
			}
			firstPlain = string(data)
			havePlain = true
		case mediaType == "text/html" && !haveHTML:
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return nil
			}
			firstHTML = string(data)
			haveHTML = true
		}
		return nil
	})

	text := firstPlain
	if !havePlain && haveHTML {
		text = stripHTML(firstHTML)
	}

	return strings.ReplaceAll(text, "\r\n", "\n")
}

// stripHTML reduces an HTML document to its visible text, one fragment
// per line, so the label patterns match the same way they do for plain
// bodies.
func stripHTML(doc string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(doc))

	var lines []string
	skipDepth := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(lines, "\n")
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			if text := strings.TrimSpace(string(tokenizer.Text())); text != "" {
				lines = append(lines, text)
			}
		}
	}
}

// RejectReason explains why the filter dropped a message.
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonMissingMessageID RejectReason = "missing-message-id"
	ReasonAlreadyProcessed RejectReason = "already-processed"
	ReasonNotYetDue        RejectReason = "not-yet-due"
	ReasonKeywordMismatch  RejectReason = "keyword-mismatch"
)

// FilterReason decides whether a message should be processed. It checks,
// in order: a present Message-ID, absence from the processed registry, a
// creation-trigger date not after now, and the business keyword in the
// subject. The registry snapshot is never mutated.
func FilterReason(msg *Message, processed map[string]string, calc duetime.Calculator, keyword string, now time.Time) RejectReason {
	if msg.MessageID == "" {
		return ReasonMissingMessageID
	}
	if _, ok := processed[msg.MessageID]; ok {
		return ReasonAlreadyProcessed
	}
	// A message without a parsable sent date can never be shown due.
	if msg.SentAt.IsZero() || calc.TriggerDate(msg.SentAt).After(now) {
		return ReasonNotYetDue
	}
	if !strings.Contains(msg.Subject, keyword) {
		return ReasonKeywordMismatch
	}
	return ReasonNone
}

// bodyPattern pairs a field label with its compiled value pattern. The
// index field stops at the first whitespace so trailing annotations are
// not swallowed; the other fields run to the end of the line.
type bodyPattern struct {
	field string
	re    *regexp.Regexp
}

var bodyPatterns = buildBodyPatterns()

func buildBodyPatterns() []bodyPattern {
	patterns := make([]bodyPattern, 0, len(model.BodyFields))
	for _, field := range model.BodyFields {
		capture := `([^\n]+)`
		if field == model.FieldECNIndex {
			capture = `([^\n\s]+)`
		}
		patterns = append(patterns, bodyPattern{
			field: field,
			re:    regexp.MustCompile(regexp.QuoteMeta(field) + `[:：]\s*` + capture),
		})
	}
	return patterns
}

// Extract pulls the header fields and the four business fields out of a
// parsed message. Fields missing from the body are omitted from the
// result, never defaulted here; each field is matched independently, so
// one missing label does not affect the rest.
func Extract(msg *Message) model.Fields {
	fields := model.Fields{
		Subject:   msg.Subject,
		SentAt:    msg.SentAt,
		MessageID: msg.MessageID,
		Body:      make(map[string]string),
	}

	body := strings.TrimSpace(msg.Body)
	for _, pattern := range bodyPatterns {
		if m := pattern.re.FindStringSubmatch(body); m != nil {
			fields.Body[pattern.field] = m[1]
		}
	}

	return fields
}
