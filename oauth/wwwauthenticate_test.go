package oauth

import (
	"net/http"
	"testing"
)

func TestParseBearerChallenge_Simple(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `Bearer realm="mcp", resource_metadata="https://rs.example/.well-known/oauth-protected-resource"`)

	ch := ParseBearerChallenge(h)
	if ch == nil {
		t.Fatal("expected a challenge")
	}
	if ch.Realm != "mcp" {
		t.Errorf("realm = %q", ch.Realm)
	}
	if ch.ResourceMetadata != "https://rs.example/.well-known/oauth-protected-resource" {
		t.Errorf("resource_metadata = %q", ch.ResourceMetadata)
	}
}

func TestParseBearerChallenge_MultipleSchemes(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `Basic realm="files", Bearer realm="api", scope="read write", error="invalid_token"`)

	ch := ParseBearerChallenge(h)
	if ch == nil {
		t.Fatal("expected a challenge")
	}
	if ch.Realm != "api" {
		t.Errorf("realm = %q, want the Bearer challenge's realm", ch.Realm)
	}
	if ch.Scope != "read write" {
		t.Errorf("scope = %q", ch.Scope)
	}
	if ch.Error != "invalid_token" {
		t.Errorf("error = %q", ch.Error)
	}
}

func TestParseBearerChallenge_QuotedEscapes(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `Bearer realm="say \"hi\"", error_description="token \\ expired"`)

	ch := ParseBearerChallenge(h)
	if ch == nil {
		t.Fatal("expected a challenge")
	}
	if ch.Realm != `say "hi"` {
		t.Errorf("realm = %q", ch.Realm)
	}
	if ch.ErrorDescription != `token \ expired` {
		t.Errorf("error_description = %q", ch.ErrorDescription)
	}
}

func TestParseBearerChallenge_UnquotedParams(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `Bearer realm=mcp, error=invalid_token`)

	ch := ParseBearerChallenge(h)
	if ch == nil {
		t.Fatal("expected a challenge")
	}
	if ch.Realm != "mcp" || ch.Error != "invalid_token" {
		t.Errorf("challenge = %+v", ch)
	}
}

func TestParseBearerChallenge_CaseInsensitiveScheme(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `bearer realm="lower"`)

	ch := ParseBearerChallenge(h)
	if ch == nil || ch.Realm != "lower" {
		t.Errorf("challenge = %+v", ch)
	}
}

func TestParseBearerChallenge_MultipleHeaderValues(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `Basic realm="files"`)
	h.Add("WWW-Authenticate", `Bearer realm="second"`)

	ch := ParseBearerChallenge(h)
	if ch == nil || ch.Realm != "second" {
		t.Errorf("challenge = %+v", ch)
	}
}

func TestParseBearerChallenge_Token68DoesNotDerail(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `Basic dGVzdDp0ZXN0==, Bearer realm="api"`)

	ch := ParseBearerChallenge(h)
	if ch == nil || ch.Realm != "api" {
		t.Errorf("challenge = %+v", ch)
	}
}

func TestParseBearerChallenge_NoBearer(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `Basic realm="files"`)
	if ch := ParseBearerChallenge(h); ch != nil {
		t.Errorf("challenge = %+v, want nil", ch)
	}

	if ch := ParseBearerChallenge(http.Header{}); ch != nil {
		t.Errorf("challenge from empty headers = %+v, want nil", ch)
	}
}
