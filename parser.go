package eventsource

import (
	"strconv"
	"strings"
)

// ============================================================================
// Incremental frame parser
// ============================================================================

// Line scan states. CR, LF and CRLF are equivalent terminators; afterCR
// swallows the LF of a CRLF pair even when the pair is split across chunks.
type lineState int

const (
	lineFieldStart lineState = iota
	lineField
	lineValueStart
	lineValue
	lineAfterCR
)

// parser decodes the text/event-stream field grammar from text chunks of
// arbitrary size. It carries unterminated trailing text between feed calls,
// so feeding a stream one byte at a time produces the same output as
// feeding it whole.
//
// Records and control fields are reported through the three callbacks, in
// stream order, synchronously from feed.
type parser struct {
	onEvent     func(Event)
	onRetry     func(ms int64)
	onHeartbeat func(ms int64)

	tail    string // text after the last seen line terminator
	afterCR bool

	dataBuf   strings.Builder // newline-joined data field values
	eventType string
	eventID   string // pending id, persisted onto every flushed record
}

func newParser(lastEventID string) *parser {
	return &parser{eventID: lastEventID}
}

// feed consumes one chunk. Only text up to the chunk's last line terminator
// is scanned now; the remainder waits for the terminator that completes it.
func (p *parser) feed(chunk string) {
	if chunk == "" {
		return
	}
	cut := strings.LastIndexAny(chunk, "\r\n")
	if cut < 0 {
		p.tail += chunk
		return
	}
	text := p.tail + chunk[:cut+1]
	p.tail = chunk[cut+1:]
	p.scan(text)
}

// scan walks complete lines. text always ends on a line terminator, so the
// only states that survive a call are FieldStart and AfterCR.
func (p *parser) scan(text string) {
	state := lineFieldStart
	if p.afterCR {
		state = lineAfterCR
	}

	var field string
	var fieldStart, valueStart int

	for i := 0; i < len(text); i++ {
		c := text[i]

		if state == lineAfterCR {
			state = lineFieldStart
			if c == '\n' {
				continue
			}
		}

		switch state {
		case lineFieldStart:
			switch c {
			case '\n':
				p.endOfRecord()
			case '\r':
				p.endOfRecord()
				state = lineAfterCR
			case ':':
				field = ""
				state = lineValueStart
			default:
				fieldStart = i
				state = lineField
			}

		case lineField:
			switch c {
			case ':':
				field = text[fieldStart:i]
				state = lineValueStart
			case '\n':
				p.processField(text[fieldStart:i], "")
				state = lineFieldStart
			case '\r':
				p.processField(text[fieldStart:i], "")
				state = lineAfterCR
			}

		case lineValueStart:
			switch c {
			case '\n':
				p.processField(field, "")
				state = lineFieldStart
			case '\r':
				p.processField(field, "")
				state = lineAfterCR
			case ' ':
				// exactly one leading space is dropped
				valueStart = i + 1
				state = lineValue
			default:
				valueStart = i
				state = lineValue
			}

		case lineValue:
			switch c {
			case '\n':
				p.processField(field, text[valueStart:i])
				state = lineFieldStart
			case '\r':
				p.processField(field, text[valueStart:i])
				state = lineAfterCR
			}
		}
	}

	p.afterCR = state == lineAfterCR
}

// processField applies one "name: value" line. Lines with an empty field
// name (comments) and unrecognized names are ignored.
func (p *parser) processField(name, value string) {
	switch name {
	case "data":
		p.dataBuf.WriteByte('\n')
		p.dataBuf.WriteString(value)
	case "id":
		p.eventID = value
	case "event":
		p.eventType = value
	case "retry":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			p.onRetry(n)
		}
	case "heartbeatTimeout":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.onHeartbeat(n)
		}
	}
}

// endOfRecord is the blank-line dispatch point. A record is emitted only
// when data accumulated; the event type resets either way, the pending id
// does not.
func (p *parser) endOfRecord() {
	if p.dataBuf.Len() > 0 {
		typ := p.eventType
		if typ == "" {
			typ = "message"
		}
		// drop the leading joining newline
		data := p.dataBuf.String()[1:]
		p.onEvent(Event{Type: typ, Data: data, LastEventID: p.eventID})
	}
	p.dataBuf.Reset()
	p.eventType = ""
}
