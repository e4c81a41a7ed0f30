package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

// capture routes the logger into a buffer at debug level for one test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetMinLevel(LevelDebug)
	t.Cleanup(func() {
		SetOutput(io.Discard)
		SetMinLevel(LevelWarn)
		SetVerbose(false)
	})
	return &buf
}

func TestRegisteredTokenIsScrubbed(t *testing.T) {
	buf := capture(t)
	RegisterSecret("sa-live-4411")

	Infof("calling backend with sa-live-4411")
	With(Fields{"auth": "sa-live-4411", "attempt": 2}).Warn("retry")

	got := buf.String()
	if strings.Contains(got, "sa-live-4411") {
		t.Fatalf("token leaked: %s", got)
	}
	if !strings.Contains(got, `"attempt":2`) {
		t.Fatalf("numeric field lost: %s", got)
	}
}

func TestScrubCredentialPatterns(t *testing.T) {
	cases := map[string]string{
		"Authorization: Bearer abc.def":        "Authorization: Bearer [REDACTED]",
		"GET /download/x.csv?token=zzz&rows=5": "GET /download/x.csv?token=[REDACTED]&rows=5",
		"GET /x?access_token=q1":               "GET /x?access_token=[REDACTED]",
		"upload BKPF.csv execution_id=e1 ok":   "upload BKPF.csv execution_id=e1 ok",
	}
	for in, want := range cases {
		if got := Scrub(in); got != want {
			t.Errorf("Scrub(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestErrorFieldIsScrubbed(t *testing.T) {
	buf := capture(t)
	With(Fields{"error": errors.New("401 for Bearer s3cr3t")}).Error("upload failed")
	if strings.Contains(buf.String(), "s3cr3t") {
		t.Fatalf("error field leaked credential: %s", buf.String())
	}
}

func TestLongMessagesAreClipped(t *testing.T) {
	buf := capture(t)
	Debugf("%s", strings.Repeat("a", 6000))
	if !strings.Contains(buf.String(), "truncated") {
		t.Fatal("expected truncation marker")
	}

	buf.Reset()
	SetVerbose(true)
	Debugf("%s", strings.Repeat("b", 4000))
	if strings.Contains(buf.String(), "truncated") {
		t.Fatal("verbose output must not be clipped")
	}
}

func TestForExecutionField(t *testing.T) {
	buf := capture(t)
	ForExecution("e1-ss").Info("trial balance validated")

	var entry struct {
		Msg    string         `json:"msg"`
		Fields map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not a JSON line: %v\n%s", err, buf.String())
	}
	if entry.Fields["execution_id"] != "e1-ss" || entry.Msg != "trial balance validated" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestMinLevelFilters(t *testing.T) {
	buf := capture(t)
	SetMinLevel(LevelError)
	Infof("chatter")
	RedisLogger{}.Printf(context.Background(), "pool: %d", 3)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below error, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"DEBUG": LevelDebug, "info": LevelInfo, "warning": LevelWarn, "error": LevelError,
		"trace": LevelDebug, "fatal": LevelError, "": LevelWarn, "bogus": LevelWarn,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestClipKeepsTail(t *testing.T) {
	s := strings.Repeat("x", 100) + "END"
	got := clip(s, 60)
	if len(got) != 60 || !strings.HasSuffix(got, "END") {
		t.Fatalf("clip = %q (%d)", got, len(got))
	}
	if clip("short", 60) != "short" {
		t.Fatal("short strings must pass through")
	}
}
