package telegram

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func TestFlexInt64_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    FlexInt64
		wantErr bool
	}{
		{"integer", `1424873155000`, 1424873155000, false},
		{"string number", `"1424873155000"`, 1424873155000, false},
		{"empty string", `""`, 0, false},
		{"zero", `0`, 0, false},
		{"null", `null`, 0, false},
		{"invalid string", `"yesterday"`, 0, true},
		{"object", `{}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got FlexInt64
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FlexInt64 = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRequest_ToRaw(t *testing.T) {
	req := Request{
		TelegramID:  "7ba817ec-0c78-41cd-be10-7907ff787d39",
		Sender:      "1234567890",
		Body:        "1608,4108,0000",
		Destination: "0987654321",
		GatewayID:   "a gateway id",
		SentAt:      1424873155000,
	}

	raw, err := req.ToRaw()
	if err != nil {
		t.Fatalf("ToRaw: %v", err)
	}
	if raw.TelegramID.String() != req.TelegramID {
		t.Errorf("TelegramID = %s, want %s", raw.TelegramID, req.TelegramID)
	}
	want := time.Date(2015, 2, 25, 14, 5, 55, 0, time.UTC)
	if !raw.SentAt.Equal(want) || raw.SentAt.Location() != time.UTC {
		t.Errorf("SentAt = %v, want %v", raw.SentAt, want)
	}
	if raw.Sender != "1234567890" || raw.Destination != "0987654321" || raw.GatewayID != "a gateway id" {
		t.Errorf("unexpected addressing fields: %+v", raw)
	}

	t.Run("bad id", func(t *testing.T) {
		bad := req
		bad.TelegramID = "not-a-uuid"
		if _, err := bad.ToRaw(); err == nil {
			t.Error("expected error for malformed telegram id")
		}
	})

	t.Run("missing timestamp", func(t *testing.T) {
		bad := req
		bad.SentAt = 0
		if _, err := bad.ToRaw(); err == nil {
			t.Error("expected error for missing timestamp")
		}
	})
}

func TestRequest_FromGatewayJSON(t *testing.T) {
	payload := `{"message_id":"7ba817ec-0c78-41cd-be10-7907ff787d39","from":"1234567890",
		"message":"1608,4108,0000","sent_to":"0987654321","device_id":"gw","sent_timestamp":"1424873155000"}`

	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if req.SentAt != 1424873155000 {
		t.Errorf("SentAt = %d", req.SentAt)
	}
	if req.Body != "1608,4108,0000" {
		t.Errorf("Body = %q", req.Body)
	}
}

func TestFixRecord_EWKT(t *testing.T) {
	fix := FixRecord{Point: orb.Point{4.9842689, 52.4984249}}

	got := fix.EWKT()
	if !strings.HasPrefix(got, "SRID=4326;POINT(") {
		t.Errorf("EWKT = %q, want SRID=4326;POINT(...)", got)
	}
	if !strings.Contains(got, "4.9842689") || !strings.Contains(got, "52.4984249") {
		t.Errorf("EWKT = %q, coordinates missing", got)
	}
}
