package oauth

import (
	"net/http"
	"strings"
)

// BearerChallenge holds the parameters of a Bearer challenge from a
// WWW-Authenticate header. ResourceMetadata carries the protected resource
// metadata URL used for discovery (RFC 9728).
type BearerChallenge struct {
	Realm            string
	Scope            string
	Error            string
	ErrorDescription string
	ResourceMetadata string
}

// ParseBearerChallenge scans the WWW-Authenticate values of an HTTP
// response for a Bearer challenge. It returns nil when none is present.
func ParseBearerChallenge(headers http.Header) *BearerChallenge {
	return ParseBearerChallengeValues(headers.Values("WWW-Authenticate"))
}

// ParseBearerChallengeValues parses raw WWW-Authenticate header values and
// returns the first Bearer challenge found. A single value may carry
// several comma-separated challenges (RFC 7235), so parameter commas and
// challenge commas have to be told apart while scanning.
func ParseBearerChallengeValues(values []string) *BearerChallenge {
	for _, value := range values {
		for _, ch := range parseChallenges(value) {
			if !strings.EqualFold(ch.scheme, "bearer") {
				continue
			}
			return &BearerChallenge{
				Realm:            ch.params["realm"],
				Scope:            ch.params["scope"],
				Error:            ch.params["error"],
				ErrorDescription: ch.params["error_description"],
				ResourceMetadata: ch.params["resource_metadata"],
			}
		}
	}
	return nil
}

type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenges splits one header value into its challenges. The grammar
// is ambiguous at commas: "Basic realm=a, Bearer realm=b" switches
// challenges while "Bearer realm=a, scope=b" continues one. A bare token
// not followed by '=' starts a new challenge.
func parseChallenges(value string) []challenge {
	p := &challengeParser{input: value}
	var out []challenge
	var cur *challenge

	for {
		p.skipSeparators()
		if p.done() {
			break
		}
		tok, quoted := p.readToken()
		if tok == "" {
			p.pos++
			continue
		}
		if !quoted && p.peekEquals() {
			p.pos++ // consume '='
			p.skipSpace()
			val, _ := p.readToken()
			if cur != nil {
				cur.params[strings.ToLower(tok)] = val
			}
			continue
		}
		if !quoted && isScheme(tok) {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &challenge{scheme: tok, params: make(map[string]string)}
		}
		// Anything else (token68 blobs and the like) is skipped.
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

type challengeParser struct {
	input string
	pos   int
}

func (p *challengeParser) done() bool { return p.pos >= len(p.input) }

func (p *challengeParser) skipSeparators() {
	for !p.done() {
		switch p.input[p.pos] {
		case ' ', '\t', ',':
			p.pos++
		default:
			return
		}
	}
}

func (p *challengeParser) skipSpace() {
	for !p.done() && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *challengeParser) peekEquals() bool {
	i := p.pos
	for i < len(p.input) && (p.input[i] == ' ' || p.input[i] == '\t') {
		i++
	}
	if i < len(p.input) && p.input[i] == '=' {
		p.pos = i
		return true
	}
	return false
}

// readToken reads either a quoted string (handling backslash escapes) or a
// run of token characters. The bool reports whether it was quoted.
func (p *challengeParser) readToken() (string, bool) {
	if p.done() {
		return "", false
	}
	if p.input[p.pos] == '"' {
		p.pos++
		var b strings.Builder
		for !p.done() {
			c := p.input[p.pos]
			if c == '\\' && p.pos+1 < len(p.input) {
				b.WriteByte(p.input[p.pos+1])
				p.pos += 2
				continue
			}
			p.pos++
			if c == '"' {
				break
			}
			b.WriteByte(c)
		}
		return b.String(), true
	}
	start := p.pos
	for !p.done() && isTokenChar(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos], false
}

// isScheme reports whether tok is shaped like an auth-scheme name.
func isScheme(tok string) bool {
	if tok == "" || !isAlpha(tok[0]) {
		return false
	}
	for i := 1; i < len(tok); i++ {
		c := tok[i]
		if !isAlpha(c) && !isDigit(c) && c != '-' && c != '+' && c != '.' {
			return false
		}
	}
	return true
}

// isTokenChar reports whether c is a tchar per RFC 7230.
func isTokenChar(c byte) bool {
	if isAlpha(c) || isDigit(c) {
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
