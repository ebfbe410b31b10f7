package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTranscribe(t *testing.T) {
	var gotModel, gotLang, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"  hello there  "}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tr := NewTranscriber(TranscriberOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	text, err := tr.Transcribe(context.Background(), []byte("RIFF...."), "en")
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q", text)
	}
	if gotModel != DefaultTranscriptionModel {
		t.Errorf("model = %q", gotModel)
	}
	if gotLang != "en" {
		t.Errorf("language = %q", gotLang)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
}

func TestTranscribeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad audio"}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tr := NewTranscriber(TranscriberOptions{APIKey: "k", BaseURL: srv.URL + "/v1/"})
	if _, err := tr.Transcribe(context.Background(), nil, ""); err == nil {
		t.Error("expected error for empty audio")
	}
	if _, err := tr.Transcribe(context.Background(), []byte("RIFF"), ""); err == nil {
		t.Error("expected error for api failure")
	}
}
