package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	data := []byte(`{"command":"synthesize","text":"hola","language":"es","temperature":0.9,"output_format":"pcm"}`)
	req, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Command != CommandSynthesize || req.Text != "hola" || req.Language != "es" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Temperature == nil || *req.Temperature != 0.9 {
		t.Fatalf("expected temperature pointer 0.9, got %v", req.Temperature)
	}
	if req.Exaggeration != nil {
		t.Fatal("omitted parameter must decode as nil")
	}
	if req.OutputFormat != FormatPCM {
		t.Fatalf("expected pcm format, got %q", req.OutputFormat)
	}
}

func TestDecodeRequestReferenceAudio(t *testing.T) {
	prompt := []byte("RIFFfakewavdata")
	frame := `{"command":"synthesize","text":"hola","reference_audio":"` +
		base64.StdEncoding.EncodeToString(prompt) + `"}`

	req, err := DecodeRequest([]byte(frame))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(req.ReferenceAudio) != string(prompt) {
		t.Fatalf("reference audio mangled: got %q", req.ReferenceAudio)
	}
}

func TestDecodeRequestInvalidJSON(t *testing.T) {
	if _, err := DecodeRequest([]byte("{nope")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEncodeResponseAudioIsBase64(t *testing.T) {
	data, err := EncodeResponse(Response{
		Status:     StatusOK,
		Audio:      []byte{0x01, 0x02, 0x03},
		SampleRate: 24000,
		Encoding:   EncodingWAV,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	encoded, ok := raw["audio"].(string)
	if !ok {
		t.Fatalf("audio field is not a string: %T", raw["audio"])
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("audio is not base64: %v", err)
	}
	if len(decoded) != 3 || decoded[0] != 0x01 {
		t.Fatalf("audio round trip mismatch: %v", decoded)
	}
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(ErrBackpressure, "queue full")
	if resp.Status != StatusError || resp.ErrorKind != ErrBackpressure || resp.ErrorMessage != "queue full" {
		t.Fatalf("unexpected error frame: %+v", resp)
	}
}
