package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRequest_Valid(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"req","id":"1","method":"health","params":{"probe":true}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.ID != "1" || req.Method != "health" {
		t.Fatalf("unexpected frame: %+v", req)
	}
	if string(req.Params) != `{"probe":true}` {
		t.Fatalf("params not preserved: %s", req.Params)
	}
}

func TestDecodeRequest_RejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"type":`,
		"wrong type":    `{"type":"event","id":"1","method":"x"}`,
		"missing id":    `{"type":"req","method":"x"}`,
		"empty method":  `{"type":"req","id":"1","method":""}`,
		"numeric id":    `{"type":"req","id":7,"method":"x"}`,
		"array payload": `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(raw))
			if !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestDecodeRequest_RecoversIDOnInvalidFrame(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"type":"req","id":"abc","method":""}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if req.ID != "abc" {
		t.Fatalf("expected id recovered, got %q", req.ID)
	}
}

func validConnectParams() map[string]any {
	return map[string]any{
		"minProtocol": 1,
		"maxProtocol": 3,
		"client": map[string]any{
			"id":       "webchat-ui",
			"version":  "1.0.0",
			"platform": "darwin",
			"mode":     "webchat",
		},
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestParseConnectParams_DefaultsRoleAndScopes(t *testing.T) {
	p, err := ParseConnectParams(mustJSON(t, validConnectParams()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Role != RoleOperator {
		t.Fatalf("role = %q, want operator", p.Role)
	}
	if len(p.Scopes) != 1 || p.Scopes[0] != ScopeAdmin {
		t.Fatalf("scopes = %v, want [operator.admin]", p.Scopes)
	}
	if !p.SupportsProtocol() {
		t.Fatal("range 1..3 should support protocol 3")
	}
}

func TestParseConnectParams_SchemaViolations(t *testing.T) {
	missingClient := validConnectParams()
	delete(missingClient, "client")

	unknownField := validConnectParams()
	unknownField["bogus"] = true

	badDevice := validConnectParams()
	badDevice["device"] = map[string]any{"id": "d1"}

	badRole := validConnectParams()
	badRole["role"] = "superuser"

	for name, params := range map[string]map[string]any{
		"missing client": missingClient,
		"unknown field":  unknownField,
		"partial device": badDevice,
		"unknown role":   badRole,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConnectParams(mustJSON(t, params)); !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}

	if _, err := ParseConnectParams(nil); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame for nil params, got %v", err)
	}
}

func TestSupportsProtocol(t *testing.T) {
	cases := []struct {
		min, max int
		want     bool
	}{
		{1, 3, true},
		{3, 3, true},
		{3, 9, true},
		{4, 5, false},
		{1, 2, false},
	}
	for _, tc := range cases {
		p := ConnectParams{MinProtocol: tc.min, MaxProtocol: tc.max}
		if got := p.SupportsProtocol(); got != tc.want {
			t.Fatalf("[%d,%d] SupportsProtocol=%v, want %v", tc.min, tc.max, got, tc.want)
		}
	}
}

func TestPresenceKeyAndTracking(t *testing.T) {
	p := ConnectParams{Client: ClientInfo{Mode: ClientModeCLI}}
	if p.TracksPresence() {
		t.Fatal("cli clients must not be tracked")
	}
	if got := p.PresenceKey("conn-1"); got != "conn-1" {
		t.Fatalf("presence key = %q, want conn-1", got)
	}
	p.Client.InstanceID = "  inst-9 "
	if got := p.PresenceKey("conn-1"); got != "inst-9" {
		t.Fatalf("presence key = %q, want inst-9", got)
	}
}

func TestAsErrorShape(t *testing.T) {
	shape := NewError(ErrCodeNotPaired, "pairing required")
	if got := AsErrorShape(shape); got != shape {
		t.Fatalf("ErrorShape should pass through")
	}
	if got := AsErrorShape(errors.New("boom")); got.Code != ErrCodeUnavailable {
		t.Fatalf("plain error code = %q, want UNAVAILABLE", got.Code)
	}
	if got := AsErrorShape(ErrInvalidFrame); got.Code != ErrCodeInvalidRequest {
		t.Fatalf("invalid frame code = %q, want INVALID_REQUEST", got.Code)
	}
	if AsErrorShape(nil) != nil {
		t.Fatal("nil error should map to nil shape")
	}
}
